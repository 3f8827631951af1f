// Package memory keeps a bounded, chronologically ordered log of messages per
// conversation and mirrors it to durable storage.
//
// The store is the only owner of the in-memory mapping. Persistence goes
// through a Persister (JSON file or SQLite) that always rewrites the full
// mapping, so a crash can lose at most the entry being written.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 50

// Entry is one remembered message.
type Entry struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Persister loads and saves the whole conversation mapping.
type Persister interface {
	Load(ctx context.Context) (map[string][]Entry, error)
	Save(ctx context.Context, convos map[string][]Entry) error
}

// PersistenceError reports a failed load or save.
type PersistenceError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is safe for concurrent use.
type Store struct {
	persister Persister

	// saveMu orders whole snapshot+write cycles so an older snapshot never
	// overwrites a newer one.
	saveMu sync.Mutex

	mu       sync.Mutex
	capacity int
	convos   map[string][]Entry
}

// New returns an empty store. persister may be nil, in which case Load and
// Save are no-ops.
func New(capacity int, persister Persister) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		persister: persister,
		capacity:  capacity,
		convos:    make(map[string][]Entry),
	}
}

// Append adds e to the conversation, creating it on first use, and evicts the
// oldest entries beyond capacity.
func (s *Store) Append(id string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos[id] = truncate(append(s.convos[id], e), s.capacity)
}

// History returns a copy of the conversation, oldest first. Unknown
// conversations yield nil.
func (s *Store) History(id string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.convos[id]
	if len(h) == 0 {
		return nil
	}
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}

// Conversations returns the known conversation IDs in sorted order.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convos))
	for id := range s.convos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capacity returns the per-conversation bound.
func (s *Store) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// SetCapacity changes the bound and truncates existing conversations to it.
func (s *Store) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
	for id, h := range s.convos {
		s.convos[id] = truncate(h, n)
	}
}

// Record appends e and saves synchronously.
func (s *Store) Record(ctx context.Context, id string, e Entry) error {
	s.Append(id, e)
	return s.Save(ctx)
}

// Load replaces the in-memory mapping with the persisted one. On failure the
// store is left empty and a *PersistenceError is returned; callers log it
// and carry on.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	loaded, err := s.persister.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos = make(map[string][]Entry, len(loaded))
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	for id, h := range loaded {
		if len(h) == 0 {
			continue
		}
		s.convos[id] = truncate(h, s.capacity)
	}
	slog.Debug("conversation memory loaded", "conversations", len(s.convos))
	return nil
}

// Save writes the full mapping through the persister.
func (s *Store) Save(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.persister.Save(ctx, s.snapshot()); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *Store) snapshot() map[string][]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Entry, len(s.convos))
	for id, h := range s.convos {
		cp := make([]Entry, len(h))
		copy(cp, h)
		out[id] = cp
	}
	return out
}

// truncate keeps the newest n entries in a fresh backing array once the
// slice exceeds n, so evicted entries are not retained.
func truncate(h []Entry, n int) []Entry {
	if len(h) <= n {
		return h
	}
	out := make([]Entry, n)
	copy(out, h[len(h)-n:])
	return out
}
