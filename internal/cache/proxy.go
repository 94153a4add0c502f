package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

const (
	HeaderCacheStatus = "X-Cache-Status"
	HeaderOffline     = "X-Offline"

	DefaultMaxCachedBody = 32 << 20

	offlineAPIMessage = "Você está offline. Os dados serão sincronizados quando a conexão voltar."
	offlineStaticText = "Recurso não disponível offline"
)

const defaultOfflinePage = `<!DOCTYPE html><html lang="pt-BR"><head><meta charset="utf-8"><title>Offline</title></head>` +
	`<body><h1>Você está offline</h1><p>Algumas funcionalidades podem estar limitadas.</p></body></html>`

// CookieSink receives the browser session cookies the proxy sees
type CookieSink interface {
	RememberCookies(cookies []*http.Cookie)
}

type Options struct {
	Policy APIPolicy
	// OfflinePage is a file served to documents when neither network nor cache answer
	OfflinePage string
	Cookies     CookieSink
	Client      *http.Client
	// MaxCachedBody caps what is buffered for the cache; larger bodies are streamed uncached
	MaxCachedBody int64
}

// Proxy is the caching reverse proxy between the browser and the remote site
type Proxy struct {
	upstream    *url.URL
	store       *ResponseStore
	client      *http.Client
	passthrough *httputil.ReverseProxy
	policy      APIPolicy
	offlinePage []byte
	cookies     CookieSink
	maxBody     int64
	logger      *slog.Logger
}

func NewProxy(upstream string, store *ResponseStore, opts Options, l *slog.Logger) (*Proxy, error) {
	u, err := url.Parse(upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", upstream)
	}

	page := []byte(defaultOfflinePage)
	if opts.OfflinePage != "" {
		b, err := os.ReadFile(opts.OfflinePage)
		if err != nil {
			return nil, fmt.Errorf("failed to read offline page: %w", err)
		}
		page = b
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	// Redirects go back to the browser untouched
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	p := &Proxy{
		upstream:    u,
		store:       store,
		client:      &noRedirect,
		policy:      opts.Policy.withDefaults(),
		offlinePage: page,
		cookies:     opts.Cookies,
		maxBody:     opts.MaxCachedBody,
		logger:      l.With("component", "cache_proxy"),
	}
	if p.maxBody <= 0 {
		p.maxBody = DefaultMaxCachedBody
	}

	p.passthrough = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Host = u.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			p.remember(resp.Cookies())
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("Upstream unreachable for passthrough request", "method", r.Method, "path", r.URL.Path, "error", err)
			writeOfflineJSON(w)
		},
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.remember(r.Cookies())

	if r.Method != http.MethodGet {
		p.passthrough.ServeHTTP(w, r)
		return
	}

	class := Classify(r)
	if class == ClassStatic {
		p.cacheFirst(w, r, class)
		return
	}
	p.networkFirst(w, r, class)
}

func cacheKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

func (p *Proxy) cacheFirst(w http.ResponseWriter, r *http.Request, class Class) {
	ctx := r.Context()
	key := cacheKey(r)
	strategy := class.Strategy()

	if cached, err := p.store.Match(ctx, key); err == nil {
		metrics.CacheRequests.WithLabelValues(strategy, "hit").Inc()
		writeCached(w, cached, "hit")
		return
	} else if !errors.Is(err, ErrMiss) {
		p.logger.Warn("Cache lookup failed", "key", key, "error", err)
	}

	resp, err := p.fetch(ctx, r)
	if err != nil {
		p.logger.Info("Static asset unavailable offline", "key", key, "error", err)
		metrics.CacheRequests.WithLabelValues(strategy, "offline").Inc()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set(HeaderOffline, "true")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, offlineStaticText)
		return
	}

	if resp.oversized() {
		p.logger.Warn("Response too large to cache, streaming it through", "key", key, "limit", p.maxBody)
	} else if isOK(resp.Status) {
		p.put(ctx, class.CacheName(), key, TierNone, resp)
	}
	metrics.CacheRequests.WithLabelValues(strategy, "miss").Inc()
	writeCached(w, resp, "miss")
}

func (p *Proxy) networkFirst(w http.ResponseWriter, r *http.Request, class Class) {
	ctx := r.Context()
	key := cacheKey(r)
	strategy := class.Strategy()

	resp, err := p.fetch(ctx, r)
	if err == nil {
		if resp.oversized() {
			p.logger.Warn("Response too large to cache, streaming it through", "key", key, "limit", p.maxBody)
		} else if isOK(resp.Status) {
			p.refresh(ctx, class, r.URL.Path, key, resp)
		}
		metrics.CacheRequests.WithLabelValues(strategy, "network").Inc()
		writeCached(w, resp, "network")
		return
	}

	p.logger.Info("Network failed, trying cache", "key", key, "class", class.String(), "error", err)

	if cached, cerr := p.store.Match(ctx, key); cerr == nil {
		metrics.CacheRequests.WithLabelValues(strategy, "fallback").Inc()
		writeCached(w, cached, "offline")
		return
	}

	metrics.CacheRequests.WithLabelValues(strategy, "offline").Inc()
	if class == ClassDocument {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set(HeaderOffline, "true")
		w.Header().Set(HeaderCacheStatus, "offline")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(p.offlinePage)
		return
	}
	writeOfflineJSON(w)
}

// refresh stores a fresh network response, applying the api policy
func (p *Proxy) refresh(ctx context.Context, class Class, path, key string, resp Response) {
	if class != ClassAPI {
		p.put(ctx, class.CacheName(), key, TierNone, resp)
		return
	}

	tier := TierFor(path)
	switch tier {
	case TierBasic:
		body, original, err := TruncateList(resp.Body, p.policy.BasicCap)
		if err != nil {
			p.logger.Warn("List response not truncatable, caching as is", "key", key, "error", err)
			break
		}
		if original > p.policy.BasicCap {
			p.logger.Warn("Basic list truncated before caching", "key", key, "records", original, "kept", p.policy.BasicCap)
			resp.Body = body
		}
	}

	if !p.put(ctx, APICache, key, tier, resp) {
		return
	}
	if tier == TierDetail {
		if n, err := p.store.TrimTier(ctx, APICache, TierDetail, p.policy.DetailCap); err != nil {
			p.logger.Warn("Detail cache trim failed", "error", err)
		} else if n > 0 {
			p.logger.Debug("Detail cache evicted oldest entries", "evicted", n)
		}
	}
}

func (p *Proxy) put(ctx context.Context, cacheName, key, tier string, resp Response) bool {
	if err := p.store.Put(ctx, cacheName, key, tier, resp); err != nil {
		p.logger.Warn("Cache write failed", "key", key, "error", err)
		return false
	}
	return true
}

// fetch asks upstream and buffers the response up to maxBody. A larger body comes back
// oversized with the rest still open; writeCached drains and closes it. Only transport
// failures are errors; any HTTP status is a network success.
func (p *Proxy) fetch(ctx context.Context, r *http.Request) (Response, error) {
	target := p.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		return Response{}, err
	}
	for k, v := range r.Header {
		if hopByHop[http.CanonicalHeaderKey(k)] || strings.EqualFold(k, "Accept-Encoding") {
			continue
		}
		req.Header[k] = v
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	res, err := p.client.Do(req)
	if err != nil {
		return Response{}, err
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, p.maxBody+1))
	if err != nil {
		res.Body.Close()
		return Response{}, fmt.Errorf("failed to read upstream body: %w", err)
	}
	p.remember(res.Cookies())

	resp := Response{Status: res.StatusCode, Header: res.Header.Clone(), Body: body, StoredAt: time.Now()}
	if int64(len(body)) > p.maxBody {
		resp.rest = res.Body
		return resp, nil
	}
	res.Body.Close()
	return resp, nil
}

// Precache warms the static cache. Failures are logged and skipped.
func (p *Proxy) Precache(ctx context.Context, paths []string) int {
	var n int
	for _, path := range paths {
		u, err := url.Parse(path)
		if err != nil {
			continue
		}
		r := (&http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}).WithContext(ctx)
		resp, err := p.fetch(ctx, r)
		if err != nil || !isOK(resp.Status) || resp.oversized() {
			if resp.oversized() {
				resp.rest.Close()
			}
			p.logger.Debug("Precache skipped", "path", path, "error", err)
			continue
		}
		if p.put(ctx, StaticCache, cacheKey(r), TierNone, resp) {
			n++
		}
	}
	return n
}

func (p *Proxy) remember(cookies []*http.Cookie) {
	if p.cookies == nil || len(cookies) == 0 {
		return
	}
	var keep []*http.Cookie
	for _, c := range cookies {
		if c.Name == "csrftoken" || c.Name == "sessionid" {
			keep = append(keep, c)
		}
	}
	if len(keep) > 0 {
		p.cookies.RememberCookies(keep)
	}
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}

func writeCached(w http.ResponseWriter, r Response, cacheStatus string) {
	h := w.Header()
	for k, v := range r.Header {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		h[k] = v
	}
	h.Set(HeaderCacheStatus, cacheStatus)
	w.WriteHeader(r.Status)
	io.Copy(w, bytes.NewReader(r.Body))
	if r.rest != nil {
		io.Copy(w, r.rest)
		r.rest.Close()
	}
}

func writeOfflineJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderOffline, "true")
	w.Header().Set(HeaderCacheStatus, "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   "Offline",
		"message": offlineAPIMessage,
		"offline": true,
	})
}
