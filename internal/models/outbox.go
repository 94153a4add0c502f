package models

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	StatusPending OutboxStatus = "pending"
	StatusSynced  OutboxStatus = "synced"
	StatusFailed  OutboxStatus = "failed"
)

// DefaultRetryCeiling is the number of failed deliveries after which an entry stops being retried
const DefaultRetryCeiling = 5

// OutboxEntry is one pending remote write. Payload is a snapshot taken at enqueue time.
type OutboxEntry struct {
	ID            int64           `json:"id" db:"id"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	Kind          string          `json:"type" db:"kind"`
	URL           string          `json:"url" db:"url"`
	Method        string          `json:"method" db:"method"`
	Payload       json.RawMessage `json:"data" db:"payload"`
	Collection    string          `json:"collection,omitempty" db:"collection"`
	RecordID      int64           `json:"record_id,omitempty" db:"record_id"`
	Status        OutboxStatus    `json:"status" db:"status"`
	Retries       int             `json:"tentativas" db:"retries"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty" db:"synced_at"`
}

// EstimateBytes returns an approximate in-memory footprint of the entry
func (e OutboxEntry) EstimateBytes() int {
	return len(e.Payload) + len(e.URL) + len(e.Kind) + len(e.LastError) + 128
}

// HasRecord reports whether the entry was produced by a local record write
func (e OutboxEntry) HasRecord() bool {
	return e.Collection != "" && e.RecordID > 0
}
