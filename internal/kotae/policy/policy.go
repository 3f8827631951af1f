// Package policy decides whether an inbound message may be answered: the
// conversation must be eligible and the process-wide cooldown since the last
// reply must have elapsed.
package policy

import (
	"sort"
	"sync"
	"time"
)

// State is the mutable response state shared by the orchestrator and the
// configuration reloader. It is safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	lastReply time.Time
	cooldown  time.Duration
	eligible  map[string]struct{}
}

// NewState returns a state that has never replied.
func NewState(cooldown time.Duration, eligible []string) *State {
	s := &State{cooldown: cooldown}
	s.SetEligible(eligible)
	return s
}

// MarkReplied records now as the start of a new cooldown window.
func (s *State) MarkReplied(now time.Time) {
	s.mu.Lock()
	s.lastReply = now
	s.mu.Unlock()
}

// LastReply returns the time of the last admitted event, zero if none.
func (s *State) LastReply() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReply
}

func (s *State) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.cooldown = d
	s.mu.Unlock()
}

func (s *State) Cooldown() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cooldown
}

// SetEligible replaces the eligible conversation set.
func (s *State) SetEligible(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	s.eligible = set
	s.mu.Unlock()
}

// AddEligible adds id and reports whether it was not already present.
func (s *State) AddEligible(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.eligible[id]; ok {
		return false
	}
	s.eligible[id] = struct{}{}
	return true
}

func (s *State) IsEligible(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.eligible[id]
	return ok
}

// Eligible returns the eligible conversation IDs, sorted.
func (s *State) Eligible() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.eligible))
	for id := range s.eligible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Policy evaluates admission against a State.
type Policy struct {
	state *State
}

func New(state *State) *Policy {
	return &Policy{state: state}
}

// State returns the underlying state.
func (p *Policy) State() *State { return p.state }

// Admit reports whether an event in conversationID arriving at now may be
// answered. It does not modify the state; an elapsed time exactly equal to
// the cooldown is admitted.
func (p *Policy) Admit(conversationID string, now time.Time) bool {
	s := p.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.eligible[conversationID]; !ok {
		return false
	}
	if s.lastReply.IsZero() {
		return true
	}
	return now.Sub(s.lastReply) >= s.cooldown
}
