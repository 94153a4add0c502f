package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	TagSyncOfflineData = "sync-offline-data"
	TagSyncPendingData = "sync-pending-data"
)

var ErrUnsupported = errors.New("sincronização em segundo plano não suportada nesta plataforma")

// Capabilities is resolved once at startup and handed to whoever needs it
type Capabilities struct {
	BackgroundSync bool
}

type CapabilityProvider interface {
	Capabilities() Capabilities
}

// StaticCapabilities is a provider fixed at construction time
type StaticCapabilities Capabilities

func (c StaticCapabilities) Capabilities() Capabilities { return Capabilities(c) }

// Task is a deferred background job. A returned error keeps it registered for the next reconnect.
type Task func(ctx context.Context) error

// BackgroundSync holds tasks to run once on the next online transition
type BackgroundSync struct {
	caps   Capabilities
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]Task
	order []string

	running *semaphore.Weighted
	wg      sync.WaitGroup
}

func NewBackgroundSync(p CapabilityProvider, l *slog.Logger) *BackgroundSync {
	return &BackgroundSync{
		caps:    p.Capabilities(),
		logger:  l.With("component", "background_sync"),
		tasks:   map[string]Task{},
		running: semaphore.NewWeighted(1),
	}
}

func (b *BackgroundSync) Supported() bool {
	return b.caps.BackgroundSync
}

// Register adds or replaces the task under tag
func (b *BackgroundSync) Register(tag string, t Task) error {
	if !b.caps.BackgroundSync {
		return ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[tag]; !ok {
		b.order = append(b.order, tag)
	}
	b.tasks[tag] = t
	b.logger.Debug("Background sync registered", "tag", tag)
	return nil
}

// Pending returns the registered tags in registration order
func (b *BackgroundSync) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Fire runs every registered task in the background and returns at once. Tasks that succeed
// are unregistered. A Fire while a previous one is still running is ignored.
func (b *BackgroundSync) Fire(ctx context.Context) {
	if !b.caps.BackgroundSync {
		return
	}
	if !b.running.TryAcquire(1) {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.running.Release(1)
		b.run(ctx)
	}()
}

// Wait blocks until a running Fire finishes
func (b *BackgroundSync) Wait() {
	b.wg.Wait()
}

func (b *BackgroundSync) run(ctx context.Context) {
	b.mu.Lock()
	tags := append([]string(nil), b.order...)
	tasks := make(map[string]Task, len(tags))
	for _, tag := range tags {
		tasks[tag] = b.tasks[tag]
	}
	b.mu.Unlock()

	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		l := b.logger.With("tag", tag)
		l.Info("Running background sync")

		if err := safeRun(ctx, tasks[tag]); err != nil {
			l.Warn("Background sync failed, keeping it registered", "error", err)
			continue
		}
		b.unregister(tag)
	}
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in background task")
		}
	}()
	return t(ctx)
}

func (b *BackgroundSync) unregister(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, tag)
	for i, t := range b.order {
		if t == tag {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
