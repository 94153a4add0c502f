package cache

import (
	"net/http"
	"path"
	"strings"
)

type Class int

const (
	ClassGeneric Class = iota
	ClassStatic
	ClassDocument
	ClassAPI
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassDocument:
		return "document"
	case ClassAPI:
		return "api"
	default:
		return "generic"
	}
}

// Strategy is the caching strategy the class maps to
func (c Class) Strategy() string {
	if c == ClassStatic {
		return "cache_first"
	}
	return "network_first"
}

const (
	StaticCache = "curral-static-v2"
	PagesCache  = "curral-pages-v2"
	APICache    = "curral-api-v2"
)

// CurrentCaches lists the cache names of this version; anything else is stale
var CurrentCaches = []string{StaticCache, PagesCache, APICache}

func (c Class) CacheName() string {
	switch c {
	case ClassStatic:
		return StaticCache
	case ClassDocument:
		return PagesCache
	default:
		return APICache
	}
}

var staticExt = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".webmanifest": true,
}

var staticDest = map[string]bool{"style": true, "script": true, "image": true, "font": true}

// Classify picks the class of a request. API paths win over everything else so that
// JSON endpoints never get the HTML offline page.
func Classify(r *http.Request) Class {
	p := r.URL.Path

	if strings.HasPrefix(p, "/api/") || strings.Contains(p, "/curral/api/") {
		return ClassAPI
	}
	if strings.HasPrefix(p, "/static/") || staticExt[strings.ToLower(path.Ext(p))] || staticDest[r.Header.Get("Sec-Fetch-Dest")] {
		return ClassStatic
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ClassDocument
	}
	return ClassGeneric
}
