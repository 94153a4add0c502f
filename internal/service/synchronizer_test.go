package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/curral-sync/internal/apiclient"
	"github.com/Guizzs26/curral-sync/internal/db"
	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu       sync.Mutex
	ceiling  int
	nextID   int64
	entries  map[int64]*models.OutboxEntry
	records  map[int64]models.Record
	listErr  error
	retryErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ceiling: models.DefaultRetryCeiling,
		entries: map[int64]*models.OutboxEntry{},
		records: map[int64]models.Record{},
	}
}

func (f *fakeStore) add(kind string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.entries[f.nextID] = &models.OutboxEntry{
		ID: f.nextID, Kind: kind, URL: "/api/curral/" + kind + "/", Method: "POST",
		Payload: json.RawMessage(`{}`), Status: models.StatusPending,
	}
	return f.nextID
}

func (f *fakeStore) SaveWithOutbox(_ context.Context, collection string, rec models.Record) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	recID := f.nextID
	f.records[recID] = rec.Clone()
	f.nextID++
	f.entries[f.nextID] = &models.OutboxEntry{
		ID: f.nextID, Kind: collection, URL: "/api/curral/" + collection + "/", Method: "POST",
		Payload: json.RawMessage(`{}`), Collection: collection, RecordID: recID, Status: models.StatusPending,
	}
	return recID, f.nextID, nil
}

func (f *fakeStore) EnqueueOutbox(_ context.Context, e models.OutboxEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.ID = f.nextID
	e.Status = models.StatusPending
	f.entries[e.ID] = &e
	return e.ID, nil
}

func (f *fakeStore) GetEntry(_ context.Context, id int64) (models.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return models.OutboxEntry{}, db.ErrNotFound
	}
	return *e, nil
}

func (f *fakeStore) byStatus(st models.OutboxStatus) []models.OutboxEntry {
	var out []models.OutboxEntry
	for _, e := range f.entries {
		if e.Status == st {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) ListPending(context.Context) ([]models.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.byStatus(models.StatusPending), nil
}

func (f *fakeStore) MarkSynced(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return db.ErrNotFound
	}
	e.Status = models.StatusSynced
	return nil
}

func (f *fakeStore) IncrementRetry(_ context.Context, id int64, lastErr string) (models.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return models.OutboxEntry{}, f.retryErr
	}
	e, ok := f.entries[id]
	if !ok {
		return models.OutboxEntry{}, db.ErrNotFound
	}
	e.Retries++
	e.LastError = lastErr
	if e.Retries >= f.ceiling {
		e.Status = models.StatusFailed
	}
	return *e, nil
}

func (f *fakeStore) MarkRecordSynced(_ context.Context, _ string, id int64, serverID any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return db.ErrNotFound
	}
	r["sync_status"] = "synced"
	if serverID != nil {
		r["server_id"] = serverID
	}
	return nil
}

func (f *fakeStore) CountPending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byStatus(models.StatusPending)), nil
}

func (f *fakeStore) CountFailed(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byStatus(models.StatusFailed)), nil
}

func (f *fakeStore) status(id int64) (models.OutboxStatus, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	return e.Status, e.Retries
}

// fakeSender answers per entry id; unknown ids succeed
type fakeSender struct {
	mu     sync.Mutex
	fail   map[int64]error
	panics map[int64]bool
	calls  []int64
	block  chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: map[int64]error{}, panics: map[int64]bool{}}
}

func (s *fakeSender) Send(ctx context.Context, e models.OutboxEntry) (apiclient.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, e.ID)
	err, shouldPanic, block := s.fail[e.ID], s.panics[e.ID], s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return apiclient.Result{}, ctx.Err()
		}
	}
	if shouldPanic {
		panic("boom")
	}
	if err != nil {
		return apiclient.Result{}, err
	}
	return apiclient.Result{StatusCode: 201, ServerID: int64(900 + e.ID)}, nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixedState struct{ online atomic.Bool }

func (s *fixedState) Online() bool { return s.online.Load() }

func onlineState() *fixedState {
	s := &fixedState{}
	s.online.Store(true)
	return s
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) ofKind(k notify.Kind) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.got {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

func TestRunPassMixedOutcomes(t *testing.T) {
	store := newFakeStore()
	ok1 := store.add("pesagem")
	bad := store.add("sanidade")
	ok2 := store.add("reprodutivo")

	sender := newFakeSender()
	sender.fail[bad] = &apiclient.RejectedError{StatusCode: 500, Message: "erro interno"}
	rec := &recorder{}

	engine := NewSyncEngine(store, sender, onlineState(), rec, testLogger(), SyncOptions{})
	report, err := engine.RunPass(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Ran())
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Exhausted)
	assert.Equal(t, 1, report.Pending)

	st, _ := store.status(ok1)
	assert.Equal(t, models.StatusSynced, st)
	st, _ = store.status(ok2)
	assert.Equal(t, models.StatusSynced, st)
	st, retries := store.status(bad)
	assert.Equal(t, models.StatusPending, st)
	assert.Equal(t, 1, retries)

	reports := rec.ofKind(notify.KindSyncReport)
	require.Len(t, reports, 1)
	assert.Equal(t, notify.LevelWarning, reports[0].Level)
	assert.Equal(t, "2 sincronizado(s), 1 com falha", reports[0].Message)

	counts := rec.ofKind(notify.KindPendingCount)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Pending)
}

func TestRunPassSkipsWhenOffline(t *testing.T) {
	store := newFakeStore()
	store.add("pesagem")
	sender := newFakeSender()

	engine := NewSyncEngine(store, sender, &fixedState{}, nil, testLogger(), SyncOptions{})
	report, err := engine.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SkipOffline, report.Skipped)
	assert.Zero(t, sender.callCount())
}

func TestRunPassIsNotReentrant(t *testing.T) {
	store := newFakeStore()
	store.add("pesagem")
	sender := newFakeSender()
	sender.block = make(chan struct{})

	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{})

	done := make(chan models.Report)
	go func() {
		r, _ := engine.RunPass(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)

	second, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SkipInProgress, second.Skipped)

	close(sender.block)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 1, sender.callCount())
}

func TestRunPassExhaustsAtCeiling(t *testing.T) {
	store := newFakeStore()
	store.ceiling = 2
	id := store.add("pesagem")

	sender := newFakeSender()
	sender.fail[id] = errors.New("connection refused")
	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{})

	r1, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, r1.Exhausted)

	r2, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r2.Exhausted)
	assert.Equal(t, 0, r2.Pending)

	st, retries := store.status(id)
	assert.Equal(t, models.StatusFailed, st)
	assert.Equal(t, 2, retries)

	// failed entries are no longer picked up
	r3, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r3.Attempted)
	assert.Equal(t, 2, sender.callCount())
}

func TestRunPassContainsPanics(t *testing.T) {
	store := newFakeStore()
	boom := store.add("pesagem")
	fine := store.add("sanidade")

	sender := newFakeSender()
	sender.panics[boom] = true
	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{})

	report, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	st, retries := store.status(boom)
	assert.Equal(t, models.StatusPending, st)
	assert.Equal(t, 1, retries)
	st, _ = store.status(fine)
	assert.Equal(t, models.StatusSynced, st)
}

func TestRunPassListFailure(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("disk I/O error")
	engine := NewSyncEngine(store, newFakeSender(), onlineState(), nil, testLogger(), SyncOptions{})

	_, err := engine.RunPass(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.listErr)
}

func TestRunPassEmptyOutboxStaysQuiet(t *testing.T) {
	rec := &recorder{}
	engine := NewSyncEngine(newFakeStore(), newFakeSender(), onlineState(), rec, testLogger(), SyncOptions{})

	report, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Ran())
	assert.Zero(t, report.Attempted)
	assert.Empty(t, rec.ofKind(notify.KindSyncReport))
}

func TestPeriodicSyncStartsAndStops(t *testing.T) {
	store := newFakeStore()
	store.add("pesagem")
	sender := newFakeSender()

	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{Interval: 10 * time.Millisecond})
	engine.Start(context.Background())
	defer engine.Dispose()

	engine.StartPeriodic()
	engine.StartPeriodic()

	require.Eventually(t, func() bool {
		n, _ := store.CountPending(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	engine.StopPeriodic()
	store.add("sanidade")
	time.Sleep(50 * time.Millisecond)

	n, _ := store.CountPending(context.Background())
	assert.Equal(t, 1, n)
}

func TestTriggerRunsInBackground(t *testing.T) {
	store := newFakeStore()
	store.add("pesagem")

	engine := NewSyncEngine(store, newFakeSender(), onlineState(), nil, testLogger(), SyncOptions{})
	engine.Start(context.Background())
	defer engine.Dispose()
	engine.Trigger()

	require.Eventually(t, func() bool {
		n, _ := store.CountPending(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopPeriodicLetsRunningPassFinish(t *testing.T) {
	store := newFakeStore()
	ids := []int64{store.add("pesagem"), store.add("sanidade"), store.add("reprodutivo")}
	sender := newFakeSender()
	sender.block = make(chan struct{})

	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{Interval: 10 * time.Millisecond})
	engine.Start(context.Background())
	defer engine.Dispose()
	engine.StartPeriodic()

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
	engine.StopPeriodic()
	close(sender.block)

	require.Eventually(t, func() bool { return sender.callCount() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := store.CountPending(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	for _, id := range ids {
		st, retries := store.status(id)
		assert.Equal(t, models.StatusSynced, st)
		assert.Zero(t, retries)
	}
}

func TestForceSyncIgnoresCallerCancellation(t *testing.T) {
	store := newFakeStore()
	store.add("pesagem")
	store.add("sanidade")
	store.add("reprodutivo")
	sender := newFakeSender()

	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 3, sender.callCount())
}

func TestDisposeMidPassLeavesEntriesPendingWithoutRetry(t *testing.T) {
	store := newFakeStore()
	ids := []int64{store.add("pesagem"), store.add("sanidade"), store.add("reprodutivo")}
	sender := newFakeSender()
	sender.block = make(chan struct{})
	defer close(sender.block)

	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{})
	engine.Start(context.Background())

	done := make(chan models.Report)
	go func() {
		r, _ := engine.ForceSync(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
	engine.Dispose()

	report := <-done
	assert.Equal(t, 1, report.Attempted)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, sender.callCount())

	for _, id := range ids {
		st, retries := store.status(id)
		assert.Equal(t, models.StatusPending, st)
		assert.Zero(t, retries)
	}
}

func TestEntriesEnqueuedMidPassWaitForNextPass(t *testing.T) {
	store := newFakeStore()
	store.add("pesagem")
	store.add("sanidade")
	sender := newFakeSender()
	sender.block = make(chan struct{})

	engine := NewSyncEngine(store, sender, onlineState(), nil, testLogger(), SyncOptions{})

	done := make(chan models.Report)
	go func() {
		r, _ := engine.RunPass(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
	late := store.add("reprodutivo")
	close(sender.block)

	first := <-done
	assert.Equal(t, 2, first.Attempted)
	assert.Equal(t, 2, first.Succeeded)
	assert.Equal(t, 1, first.Pending)
	st, _ := store.status(late)
	assert.Equal(t, models.StatusPending, st)

	second, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Attempted)
	st, _ = store.status(late)
	assert.Equal(t, models.StatusSynced, st)
}
