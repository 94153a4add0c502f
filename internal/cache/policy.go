package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	TierNone   = ""
	TierDetail = "detail"
	TierBasic  = "basic"

	DefaultDetailCap = 100
	DefaultBasicCap  = 5000
)

var (
	detailPath = regexp.MustCompile(`^/api/animal/\d+/?$`)
	basicPath  = regexp.MustCompile(`^/api/(animais|rebanho|propriedade/\d+/animais)/?$`)
)

// APIPolicy bounds what the api cache keeps. Detail responses are capped by count,
// basic list responses by the number of records inside each body.
type APIPolicy struct {
	DetailCap int
	BasicCap  int
}

func (p APIPolicy) withDefaults() APIPolicy {
	if p.DetailCap < 1 {
		p.DetailCap = DefaultDetailCap
	}
	if p.BasicCap < 1 {
		p.BasicCap = DefaultBasicCap
	}
	return p
}

func TierFor(path string) string {
	switch {
	case detailPath.MatchString(path):
		return TierDetail
	case basicPath.MatchString(path):
		return TierBasic
	}
	return TierNone
}

// list keys, in the order they are tried
var listKeys = []string{"animais", "results", "resultados", "data", "items"}

// TruncateList cuts a list body down to max records. The body is either a bare JSON array
// or an object holding the array under one of listKeys; in the object form "total" (or
// "count") is rewritten to the kept size. It returns the original record count.
func TruncateList(body []byte, max int) ([]byte, int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return body, 0, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := dec.Decode(&items); err != nil {
			return body, 0, fmt.Errorf("invalid list body: %w", err)
		}
		if len(items) <= max {
			return body, len(items), nil
		}
		out, err := json.Marshal(items[:max])
		return out, len(items), err
	}

	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return body, 0, fmt.Errorf("invalid list body: %w", err)
	}
	for _, k := range listKeys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		if len(items) <= max {
			return body, len(items), nil
		}

		kept, err := json.Marshal(items[:max])
		if err != nil {
			return body, len(items), err
		}
		obj[k] = kept
		total := json.RawMessage(fmt.Sprintf("%d", max))
		if _, ok := obj["count"]; ok {
			obj["count"] = total
		}
		obj["total"] = total

		out, err := json.Marshal(obj)
		return out, len(items), err
	}
	return body, 0, nil
}
