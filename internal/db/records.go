package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/google/uuid"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validateRegistry guards the collection and index names that end up inside DDL and JSON paths
func validateRegistry(reg models.Registry) error {
	for name, c := range reg {
		if !identRe.MatchString(name) {
			return fmt.Errorf("nome de coleção inválido: %q", name)
		}
		for _, idx := range c.Indexes {
			if !identRe.MatchString(idx.Name) {
				return fmt.Errorf("nome de índice inválido em %s: %q", name, idx.Name)
			}
		}
	}
	return nil
}

func lookup(reg models.Registry, collection string) (models.Collection, error) {
	c, ok := reg.Lookup(collection)
	if !ok {
		return models.Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return c, nil
}

func lookupIndex(reg models.Registry, collection, index string) (models.Collection, error) {
	c, err := lookup(reg, collection)
	if err != nil {
		return c, err
	}
	if _, ok := c.Index(index); !ok {
		return c, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	return c, nil
}

// encodeRecord serializes a record without its id, which is kept in its own column
func encodeRecord(r models.Record) ([]byte, error) {
	body := r.Clone()
	delete(body, "id")
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("erro ao serializar registro: %w", err)
	}
	return data, nil
}

func decodeRecord(id int64, data []byte) (models.Record, error) {
	rec := models.Record{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("erro ao decodificar registro %d: %w", id, err)
	}
	rec.SetID(id)
	return rec, nil
}

// prepareOutboxRecord stamps the sync bookkeeping fields on a record about to be queued
func prepareOutboxRecord(r models.Record, now time.Time) models.Record {
	rec := r.Clone()
	rec["sync_status"] = string(models.StatusPending)
	if _, ok := rec["data_criacao"]; !ok {
		rec["data_criacao"] = now.UTC().Format(time.RFC3339)
	}
	return rec
}

// snapshotPayload builds the outbox payload: the record by value, with the local id renamed
func snapshotPayload(r models.Record, localID int64) (json.RawMessage, error) {
	body := r.Clone()
	delete(body, "id")
	delete(body, "sync_status")
	body["local_id"] = localID
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("erro ao serializar payload: %w", err)
	}
	return data, nil
}

func newOutboxEntry(c models.Collection, recordID int64, payload json.RawMessage, now time.Time) models.OutboxEntry {
	return models.OutboxEntry{
		CorrelationID: uuid.NewString(),
		Kind:          c.Kind,
		URL:           c.Endpoint,
		Method:        "POST",
		Payload:       payload,
		Collection:    c.Name,
		RecordID:      recordID,
		Status:        models.StatusPending,
		CreatedAt:     now,
	}
}

func normalizeEntry(e *models.OutboxEntry, now time.Time) {
	if e.Method == "" {
		e.Method = "POST"
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	e.Status = models.StatusPending
	e.Retries = 0
	e.LastError = ""
	e.CreatedAt = now
	e.SyncedAt = nil
}

// nextStatus applies the retry ceiling to an incremented retry count
func nextStatus(retries, ceiling int) models.OutboxStatus {
	if retries >= ceiling {
		return models.StatusFailed
	}
	return models.StatusPending
}
