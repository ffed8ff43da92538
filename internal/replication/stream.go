package replication

import (
	"errors"
	"sync"
)

// ErrAborted is the terminal error of a session cut short by Close or by
// cancellation of the context it runs on.
var ErrAborted = errors.New("replication aborted")

// EventKind identifies an event on a Stream.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Progress counts revisions moved during a session. Total is the number of
// revisions both sides offered, known once the peer's hello has arrived.
type Progress struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Total    int `json:"total"`
}

// Event is one step of a replication session.
type Event struct {
	Kind     EventKind
	Progress Progress
	Err      error
}

// Terminal reports whether e ends the session.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// Stream delivers the events of one session in order. It carries at most
// one terminal event, after which Events is closed. A consumer that stops
// early calls Close; the session keeps running but its events are dropped.
type Stream struct {
	events chan Event
	done   chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	finished bool
}

// NewStream returns an open stream. The producer side is EmitStarted,
// EmitProgress and Finish.
func NewStream() *Stream {
	return &Stream{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close unsubscribes from the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// emit delivers ev unless the stream already finished or was closed. It
// blocks while the consumer is behind and reports whether ev was delivered.
func (s *Stream) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	if ev.Terminal() {
		s.finished = true
		defer close(s.events)
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) EmitStarted() { s.emit(Event{Kind: EventStarted}) }

func (s *Stream) EmitProgress(p Progress) { s.emit(Event{Kind: EventProgress, Progress: p}) }

// Finish emits the terminal event for err, Complete when err is nil.
// Only the first call has any effect.
func (s *Stream) Finish(err error) {
	if err != nil {
		s.emit(Event{Kind: EventError, Err: err})
		return
	}
	s.emit(Event{Kind: EventComplete})
}
