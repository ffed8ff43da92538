package replication

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(out))
		}
	}
}

func TestStreamSingleTerminalEvent(t *testing.T) {
	s := NewStream()
	go func() {
		s.EmitStarted()
		s.EmitProgress(Progress{Sent: 1, Total: 2})
		s.Finish(nil)
		s.Finish(errors.New("late"))
		s.EmitProgress(Progress{Sent: 2, Total: 2})
	}()

	events := drain(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, EventProgress, events[1].Kind)
	assert.Equal(t, Progress{Sent: 1, Total: 2}, events[1].Progress)
	assert.Equal(t, EventComplete, events[2].Kind)
	assert.True(t, events[2].Terminal())
}

func TestStreamErrorIsTerminal(t *testing.T) {
	s := NewStream()
	go s.Finish(ErrAborted)
	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrAborted)
}

func TestStreamCloseUnblocksProducer(t *testing.T) {
	s := NewStream()
	s.Close()
	s.Close()

	done := make(chan struct{})
	go func() {
		// more than the buffer holds
		for i := 0; i < 100; i++ {
			s.EmitProgress(Progress{Sent: i})
		}
		s.Finish(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a closed stream")
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "started", EventStarted.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}
