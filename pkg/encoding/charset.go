package encoding

import (
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// ToUTF8 converts response bytes to UTF-8 using the charset declared in contentType.
// Bodies without a declared charset that are not valid UTF-8 are treated as Windows-1252,
// which is what the legacy farm pages emit.
func ToUTF8(contentType string, b []byte) []byte {
	if len(b) == 0 {
		return b
	}

	name := charsetOf(contentType)
	if name == "" || name == "utf-8" || name == "utf8" {
		if utf8.Valid(b) {
			return b
		}
		return fromWindows1252(b)
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return fromWindows1252(b)
	}
	decoded, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return decoded
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

func fromWindows1252(b []byte) []byte {
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return decoded
}
