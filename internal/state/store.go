package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/routing"
)

// Snapshot is an internally consistent pair of target registry and route
// table. A published Snapshot is never replaced in place; the registry
// inside it only changes through its own copy-on-write operations.
type Snapshot struct {
	Version     uint64
	LoadedAt    time.Time
	Source      string
	Environment string
	Registry    *registry.Registry
	Routes      *routing.Table
}

// EventType identifies the kind of notification.
type EventType string

const (
	EventReloaded     EventType = "reloaded"
	EventReloadFailed EventType = "reloadFailed"
	EventLiveness     EventType = "liveness"
	EventRegistered   EventType = "registered"
	EventDeregistered EventType = "deregistered"
)

// Event describes a snapshot or target state change.
type Event struct {
	Type     EventType         `json:"type"`
	Version  uint64            `json:"version"`
	TargetID string            `json:"targetId,omitempty"`
	Liveness registry.Liveness `json:"liveness"`
	Error    string            `json:"error,omitempty"`
	Time     time.Time         `json:"time"`
}

// Store publishes snapshots and fans events out to subscribers.
// Current never blocks.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewStore creates a Store with no snapshot published.
func NewStore() *Store {
	return &Store{subs: make(map[chan Event]struct{})}
}

// Current returns the active snapshot, or nil before the first Publish.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish makes reg and routes the active snapshot with a single atomic
// store and returns it. Requests holding the previous snapshot keep it.
func (s *Store) Publish(reg *registry.Registry, routes *routing.Table, source, environment string) *Snapshot {
	snap := &Snapshot{
		Version:     s.version.Add(1),
		LoadedAt:    time.Now(),
		Source:      source,
		Environment: environment,
		Registry:    reg,
		Routes:      routes,
	}
	s.current.Store(snap)
	return snap
}

// Subscribe returns a channel receiving every subsequent event. Slow
// subscribers miss events rather than block publishers.
func (s *Store) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 128)
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *Store) Unsubscribe(ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for existing := range s.subs {
		if (<-chan Event)(existing) == ch {
			delete(s.subs, existing)
			close(existing)
			return
		}
	}
}

// Notify stamps ev with the current version and time if unset and delivers
// it to all subscribers.
func (s *Store) Notify(ev Event) {
	if ev.Version == 0 {
		if snap := s.current.Load(); snap != nil {
			ev.Version = snap.Version
		}
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
