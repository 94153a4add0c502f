package db

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "curral.db"), opts, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type countingEvictor struct {
	calls atomic.Int32
}

func (e *countingEvictor) EvictStale(context.Context) (int64, error) {
	e.calls.Add(1)
	return 0, nil
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id, err := s.Put(ctx, "animais", models.Record{"brinco": "BR-001", "nome": "Mimosa"})
	require.NoError(t, err)
	assert.Positive(t, id)

	rec, err := s.Get(ctx, "animais", id)
	require.NoError(t, err)
	assert.Equal(t, "BR-001", rec["brinco"])
	assert.Equal(t, id, rec["id"])

	// Overwrite keeps the id and replaces the document
	_, err = s.Put(ctx, "animais", models.Record{"id": id, "brinco": "BR-001", "nome": "Mimosa II"})
	require.NoError(t, err)

	rec, err = s.Get(ctx, "animais", id)
	require.NoError(t, err)
	assert.Equal(t, "Mimosa II", rec["nome"])
}

func TestGetMissingAndUnknownCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_, err := s.Get(ctx, "pesagens", 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Put(ctx, "bois_voadores", models.Record{"x": 1})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestPutRejectsIDFromAnotherCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id, err := s.Put(ctx, "animais", models.Record{"brinco": "BR-010"})
	require.NoError(t, err)

	_, err = s.Put(ctx, "eventos", models.Record{"id": id, "tipo": "entrada"})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestQueryByIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	for _, peso := range []float64{310.5, 320, 298.2} {
		_, err := s.Put(ctx, "pesagens", models.Record{"animal_id": 42, "peso": peso})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, "pesagens", models.Record{"animal_id": 7, "peso": 250})
	require.NoError(t, err)

	recs, err := s.QueryByIndex(ctx, "pesagens", "animal_id", 42)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// Values arriving as text (query strings) match numeric fields too
	recs, err = s.QueryByIndex(ctx, "pesagens", "animal_id", "7")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, json.Number("250"), recs[0]["peso"])

	_, err = s.QueryByIndex(ctx, "pesagens", "cor", "preta")
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestUniqueIndexViolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_, err := s.Put(ctx, "animais", models.Record{"brinco": "BR-777"})
	require.NoError(t, err)

	_, err = s.Put(ctx, "animais", models.Record{"brinco": "BR-777"})
	assert.ErrorIs(t, err, ErrConstraint)

	// Records without the unique field do not collide
	_, err = s.Put(ctx, "animais", models.Record{"nome": "sem brinco"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "animais", models.Record{"nome": "sem brinco 2"})
	require.NoError(t, err)
}

func TestSaveWithOutboxCreatesPendingSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	recID, entryID, err := s.SaveWithOutbox(ctx, "pesagens", models.Record{"animal_id": 42, "peso": 310.5})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	e := pending[0]
	assert.Equal(t, entryID, e.ID)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, 0, e.Retries)
	assert.Equal(t, "pesagem", e.Kind)
	assert.Equal(t, "/api/curral/pesagem/", e.URL)
	assert.Equal(t, "POST", e.Method)
	assert.Equal(t, recID, e.RecordID)
	assert.NotEmpty(t, e.CorrelationID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.EqualValues(t, 42, payload["animal_id"])
	assert.EqualValues(t, 310.5, payload["peso"])
	assert.EqualValues(t, recID, payload["local_id"])

	// Editing the record afterwards does not change the queued write
	_, err = s.Put(ctx, "pesagens", models.Record{"id": recID, "animal_id": 42, "peso": 999})
	require.NoError(t, err)

	again, err := s.GetEntry(ctx, entryID)
	require.NoError(t, err)
	assert.JSONEq(t, string(e.Payload), string(again.Payload))

	rec, err := s.Get(ctx, "pesagens", recID)
	require.NoError(t, err)
	assert.Equal(t, json.Number("999"), rec["peso"])
}

func TestSaveWithOutboxRejectsLocalOnlyCollection(t *testing.T) {
	s := newTestStore(t, Options{})

	_, _, err := s.SaveWithOutbox(context.Background(), "animais", models.Record{"brinco": "X"})
	assert.ErrorIs(t, err, ErrNotSyncable)
}

func TestIncrementRetryReachesCeiling(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{RetryCeiling: 5})

	id, err := s.EnqueueOutbox(ctx, models.OutboxEntry{Kind: "pesagem", URL: "/api/curral/pesagem/", Payload: json.RawMessage(`{"animal_id":42}`)})
	require.NoError(t, err)

	var e models.OutboxEntry
	for i := 1; i <= 5; i++ {
		e, err = s.IncrementRetry(ctx, id, "HTTP 500")
		require.NoError(t, err)
		assert.Equal(t, i, e.Retries)
	}
	assert.Equal(t, models.StatusFailed, e.Status)
	assert.Equal(t, "HTTP 500", e.LastError)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Terminal: further increments are ignored
	e, err = s.IncrementRetry(ctx, id, "HTTP 500")
	require.NoError(t, err)
	assert.Equal(t, 5, e.Retries)

	failed, err := s.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id, err := s.EnqueueOutbox(ctx, models.OutboxEntry{URL: "/api/sync/"})
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, id))
	require.NoError(t, s.MarkSynced(ctx, id))

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := s.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, e.Status)
	assert.NotNil(t, e.SyncedAt)

	assert.ErrorIs(t, s.MarkSynced(ctx, 12345), ErrNotFound)
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id, err := s.EnqueueOutbox(ctx, models.OutboxEntry{URL: "/api/sync/", Status: models.StatusFailed, Retries: 3})
	require.NoError(t, err)

	e, err := s.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "POST", e.Method)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Zero(t, e.Retries)
	assert.JSONEq(t, `{}`, string(e.Payload))
	assert.WithinDuration(t, time.Now(), e.CreatedAt, 5*time.Second)
}

func TestRequeueFailedKeepsRetryCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{RetryCeiling: 2})

	a, _ := s.EnqueueOutbox(ctx, models.OutboxEntry{URL: "/a"})
	b, _ := s.EnqueueOutbox(ctx, models.OutboxEntry{URL: "/b"})
	for _, id := range []int64{a, b} {
		for i := 0; i < 2; i++ {
			_, err := s.IncrementRetry(ctx, id, "boom")
			require.NoError(t, err)
		}
	}

	n, err := s.RequeueFailed(ctx, []int64{a})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err := s.GetEntry(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, 2, e.Retries)

	// One more failure sends it straight back to failed
	e, err = s.IncrementRetry(ctx, a, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, e.Status)

	n, err = s.RequeueFailed(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMarkRecordSyncedMergesServerID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	recID, _, err := s.SaveWithOutbox(ctx, "sanidade", models.Record{"animal_id": 3, "tipo": "vacina"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "sanidade", recID)
	require.NoError(t, err)
	assert.Equal(t, "pending", rec["sync_status"])

	require.NoError(t, s.MarkRecordSynced(ctx, "sanidade", recID, 8812))

	rec, err = s.Get(ctx, "sanidade", recID)
	require.NoError(t, err)
	assert.Equal(t, "synced", rec["sync_status"])
	assert.Equal(t, json.Number("8812"), rec["server_id"])

	synced, err := s.QueryByIndex(ctx, "sanidade", "sync_status", "synced")
	require.NoError(t, err)
	assert.Len(t, synced, 1)
}

func TestPurgeSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id, _ := s.EnqueueOutbox(ctx, models.OutboxEntry{URL: "/a"})
	keep, _ := s.EnqueueOutbox(ctx, models.OutboxEntry{URL: "/b"})
	require.NoError(t, s.MarkSynced(ctx, id))

	n, err := s.PurgeSynced(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetEntry(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEntry(ctx, keep)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_, err := s.Put(ctx, "animais", models.Record{"brinco": "A1"})
	require.NoError(t, err)
	_, _, err = s.SaveWithOutbox(ctx, "pesagens", models.Record{"animal_id": 1, "peso": 200})
	require.NoError(t, err)
	_, _, err = s.SaveWithOutbox(ctx, "movimentacoes", models.Record{"animal_id": 1, "destino": "pasto 3"})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["total_animais"])
	assert.Equal(t, 1, stats["total_pesagens"])
	assert.Equal(t, 1, stats["total_movimentacoes"])
	assert.Equal(t, 0, stats["total_sanidade"])
	assert.Equal(t, 2, stats["pendentes_sync"])
	assert.Equal(t, 0, stats["falhas_sync"])
}

func TestPendingEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "curral.db")

	s, err := OpenSQLite(ctx, path, Options{}, discardLogger())
	require.NoError(t, err)
	_, _, err = s.SaveWithOutbox(ctx, "reprodutivo", models.Record{"animal_id": 9, "tipo": "inseminacao"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, Options{}, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "reprodutivo", pending[0].Kind)
}

func TestQuotaExceededTriggersEviction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxPageCount: 64})
	ev := &countingEvictor{}
	s.SetEvictor(ev)

	_, err := s.Put(ctx, "eventos", models.Record{"sessao_id": 1, "blob": strings.Repeat("x", 1<<20)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.EqualValues(t, 1, ev.calls.Load())

	// Small writes still go through
	_, err = s.Put(ctx, "eventos", models.Record{"sessao_id": 1, "tipo": "inicio"})
	assert.NoError(t, err)
}

func TestOpenRejectsUnsafeRegistryNames(t *testing.T) {
	reg := models.NewRegistry(models.Collection{Name: "animais; DROP TABLE records"})

	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "x.db"), Options{Registry: reg}, discardLogger())
	assert.Error(t, err)
}
