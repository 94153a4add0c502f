package connectivity

import (
	"sync"
)

// Signal is the platform's view of the network interface. It says nothing about whether
// the remote server is actually reachable.
type Signal interface {
	Current() bool
	// Events emits the new state on every transition
	Events() <-chan bool
}

const eventBuffer = 16

// ManualSignal is driven from outside: the browser shell forwards navigator.onLine
// changes to the agent, or an operator flips it from the CLI.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	events chan bool
}

func NewManualSignal(initial bool) *ManualSignal {
	return &ManualSignal{online: initial, events: make(chan bool, eventBuffer)}
}

func (s *ManualSignal) Current() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualSignal) Events() <-chan bool {
	return s.events
}

// Set records the state and emits an event only when it changed. It reports whether it did.
func (s *ManualSignal) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	emit(s.events, online)
	return true
}

// emit never blocks: when the buffer is full the oldest event is dropped,
// since only the latest state matters.
func emit(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
