package models

import "time"

type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipOffline    SkipReason = "offline"
	SkipInProgress SkipReason = "in_progress"
)

// Report summarizes one sync pass
type Report struct {
	CorrelationID string        `json:"correlation_id"`
	Skipped       SkipReason    `json:"skipped,omitempty"`
	Attempted     int           `json:"attempted"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Exhausted     int           `json:"exhausted"`
	Pending       int           `json:"pending"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

func (r Report) Ran() bool {
	return r.Skipped == SkipNone
}

// Stats is the per-collection record count plus outbox backlog
type Stats map[string]int
