package connectivity

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSignal watches a state file written by the OS network hook. The file holds
// "online" or "offline" (also 1/0, true/false, up/down). A missing file reads as online.
type FileSignal struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu     sync.Mutex
	online bool
	events chan bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewFileSignal(path string, l *slog.Logger) (*FileSignal, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid connectivity file %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory: hooks usually replace the file with a rename
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	s := &FileSignal{
		path:    abs,
		watcher: w,
		logger:  l.With("component", "connectivity_file", "path", abs),
		events:  make(chan bool, eventBuffer),
		done:    make(chan struct{}),
	}
	s.online = s.read()

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func (s *FileSignal) Current() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *FileSignal) Events() <-chan bool {
	return s.events
}

func (s *FileSignal) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *FileSignal) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.update(s.read())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Connectivity watcher error", "error", err)
		}
	}
}

func (s *FileSignal) update(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	emit(s.events, online)
}

func (s *FileSignal) read() bool {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Could not read connectivity file, assuming online", "error", err)
		}
		return true
	}
	online, ok := ParseState(string(b))
	if !ok {
		s.logger.Warn("Unrecognized connectivity state, assuming online", "content", strings.TrimSpace(string(b)))
		return true
	}
	return online
}

// ParseState accepts the spellings network hooks commonly write
func ParseState(v string) (online bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "online", "on", "up", "1", "true":
		return true, true
	case "offline", "off", "down", "0", "false":
		return false, true
	}
	return false, false
}
