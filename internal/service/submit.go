package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/internal/notify"
	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

// ErrInvalidEntry rejects an outbox append that could never be delivered
var ErrInvalidEntry = errors.New("entrada de sincronização inválida")

type SubmitResult struct {
	RecordID int64 `json:"id"`
	EntryID  int64 `json:"outbox_id"`
	Synced   bool  `json:"synced"`
}

// Submit stores the record and its outbox entry atomically, then tries to deliver that
// entry right away when online. A failed immediate attempt leaves the entry pending with
// its retry count untouched.
func (e *SyncEngine) Submit(ctx context.Context, collection string, rec models.Record) (SubmitResult, error) {
	recID, entryID, err := e.store.SaveWithOutbox(ctx, collection, rec)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{RecordID: recID, EntryID: entryID}

	l := e.logger.With("collection", collection, "record_id", recID, "entry_id", entryID)
	l.Debug("Record saved locally")

	if entryID > 0 && e.state.Online() && e.sem.TryAcquire(1) {
		res.Synced = e.sendNow(ctx, entryID)
		e.sem.Release(1)
	}

	pending := e.refreshBacklog(ctx)
	msg := "Registro salvo localmente, será sincronizado quando houver conexão"
	if res.Synced {
		msg = "Registro salvo e sincronizado"
	}
	e.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindSaved,
		Level:   notify.LevelSuccess,
		Message: msg,
		Pending: pending,
		Online:  e.state.Online(),
	})
	e.notifyPending(ctx, pending)
	return res, nil
}

func (e *SyncEngine) sendNow(ctx context.Context, entryID int64) (ok bool) {
	ctx, cancel := e.passContext(ctx)
	defer cancel()
	l := e.logger.With("entry_id", entryID)

	en, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		l.Warn("Immediate send skipped, entry unreadable", "error", err)
		return false
	}
	if en.Status != models.StatusPending {
		return en.Status == models.StatusSynced
	}

	defer func() {
		if r := recover(); r != nil {
			l.Error("Panic during immediate send", "panic", r)
			ok = false
		}
	}()

	result, err := e.sender.Send(ctx, en)
	if err != nil {
		l.Info("Immediate send failed, entry stays pending", "error", err)
		metrics.SyncEntries.WithLabelValues("deferred", en.Kind).Inc()
		return false
	}
	if err := e.acknowledge(ctx, en, result); err != nil {
		l.Error("Entry delivered but failed to update status", "error", err)
		return false
	}
	metrics.SyncEntries.WithLabelValues("synced", en.Kind).Inc()
	return true
}

// Enqueue appends a raw outbox entry, e.g. a legacy "sincronizar" call with no local record,
// and delivers it right away when online, same as Submit.
func (e *SyncEngine) Enqueue(ctx context.Context, kind, url, method string, payload any) (SubmitResult, error) {
	if url == "" {
		return SubmitResult{}, fmt.Errorf("%w: url obrigatória", ErrInvalidEntry)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return SubmitResult{}, fmt.Errorf("%w: payload não é JSON", ErrInvalidEntry)
	}

	id, err := e.store.EnqueueOutbox(ctx, models.OutboxEntry{
		Kind:    kind,
		URL:     url,
		Method:  method,
		Payload: raw,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{EntryID: id}

	if e.state.Online() && e.sem.TryAcquire(1) {
		res.Synced = e.sendNow(ctx, id)
		e.sem.Release(1)
	}

	e.notifyPending(ctx, e.refreshBacklog(ctx))
	return res, nil
}
