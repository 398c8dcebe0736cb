// Package network reports whether the backend is reachable.
package network

import "sync"

// Signal is the engine's view of connectivity.
type Signal interface {
	Online() bool
	// Subscribe registers fn for online/offline transitions. The returned
	// func removes it.
	Subscribe(fn func(online bool)) (cancel func())
}

// Static is a Signal whose state is set by the caller.
type Static struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func(bool)
}

// NewStatic returns a Static starting in the given state.
func NewStatic(online bool) *Static {
	return &Static{online: online, subs: make(map[int]func(bool))}
}

func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state and notifies subscribers if it actually changed.
// Subscribers are called synchronously, outside the lock.
func (s *Static) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (s *Static) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
