// Package session tracks the replication sessions that are currently running.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Begin once the registry has been closed.
var ErrClosed = errors.New("session registry closed")

// Session is one running replication session.
type Session struct {
	ID      uint64    `json:"id"`
	Kind    string    `json:"kind"`
	Target  string    `json:"target"`
	Started time.Time `json:"started"`

	cancel context.CancelFunc
}

// Registry holds the active sessions and lets them all be aborted at once.
type Registry struct {
	mu     sync.Mutex
	next   uint64
	active map[uint64]*Session
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[uint64]*Session)}
}

// Begin registers a session and returns a context derived from parent that
// is cancelled when the registry is closed. Every successful Begin must be
// paired with End.
func (r *Registry) Begin(parent context.Context, kind, target string) (context.Context, *Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(parent)
	r.next++
	s := &Session{
		ID:      r.next,
		Kind:    kind,
		Target:  target,
		Started: time.Now(),
		cancel:  cancel,
	}
	r.active[s.ID] = s
	r.wg.Add(1)
	return ctx, s, nil
}

// End removes s from the registry. Calling it twice is harmless.
func (r *Registry) End(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[s.ID]; !ok {
		return
	}
	delete(r.active, s.ID)
	s.cancel()
	r.wg.Done()
}

// Active returns a snapshot of the running sessions, oldest first.
func (r *Registry) Active() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, Session{ID: s.ID, Kind: s.Kind, Target: s.Target, Started: s.Started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close refuses new sessions, cancels every active one and waits until all
// of them have ended.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.active {
		s.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
