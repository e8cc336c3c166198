// Package state holds the last accepted observation of every monitored
// channel.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/ghalamif/pvflow/internal/domain"
)

// Store is a per-channel state table. Updates to one channel are serialized;
// different channels never wait on each other except for the brief map
// lookup.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state domain.ChannelState
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Register creates an empty entry for name. Registering twice is harmless.
func (s *Store) Register(name string) {
	s.entryFor(name)
}

// Get returns the channel state, or false when the channel has not been
// observed yet.
func (s *Store) Get(name string) (domain.ChannelState, bool) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return domain.ChannelState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Observed {
		return domain.ChannelState{}, false
	}
	return e.state, true
}

// Upsert stores a new observation and returns the state it replaced.
func (s *Store) Upsert(name string, v domain.Value, source, local time.Time) (domain.ChannelState, bool) {
	var (
		prior domain.ChannelState
		had   bool
	)
	s.Update(name, func(cur domain.ChannelState, ok bool) (domain.ChannelState, bool) {
		prior, had = cur, ok
		return domain.ChannelState{
			Observed:            true,
			LastValue:           v,
			LastSourceTimestamp: source,
			LastLocalTimestamp:  local,
		}, true
	})
	return prior, had
}

// Update runs fn with the channel's current state while holding that
// channel's lock. When fn returns keep=true its result replaces the state.
// ok is false when the channel has no observation yet.
func (s *Store) Update(name string, fn func(cur domain.ChannelState, ok bool) (next domain.ChannelState, keep bool)) {
	e := s.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	next, keep := fn(e.state, e.state.Observed)
	if keep {
		next.Observed = true
		e.state = next
	}
}

// Channels lists registered channel names in sorted order.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Release drops every entry.
func (s *Store) Release() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
}

func (s *Store) entryFor(name string) *entry {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e
	}
	e = &entry{}
	s.entries[name] = e
	return e
}
