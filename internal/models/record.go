package models

import (
	"encoding/json"
	"strconv"
)

// Record is a domain entity (animal, weighing, health event...) as a field map.
// The local identifier lives under the "id" key.
type Record map[string]any

// ID returns the local identifier, accepting the numeric shapes JSON decoding produces
func (r Record) ID() (int64, bool) {
	switch v := r["id"].(type) {
	case int:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	case float64:
		return int64(v), v > 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n > 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}

func (r Record) SetID(id int64) {
	r["id"] = id
}

// Clone returns a shallow copy so callers can mutate without touching the stored snapshot
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
