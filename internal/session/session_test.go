package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginEnd(t *testing.T) {
	r := NewRegistry()
	ctx, s, err := r.Begin(context.Background(), "file", "/tmp/a.db")
	require.NoError(t, err)
	_, s2, err := r.Begin(context.Background(), "peer", "10.0.0.2:4000")
	require.NoError(t, err)

	active := r.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "file", active[0].Kind)
	assert.Equal(t, "10.0.0.2:4000", active[1].Target)
	assert.Less(t, active[0].ID, active[1].ID)

	r.End(s)
	r.End(s)
	assert.Error(t, ctx.Err(), "ending a session releases its context")
	assert.Len(t, r.Active(), 1)

	r.End(s2)
	assert.Empty(t, r.Active())
}

func TestCloseCancelsAndWaits(t *testing.T) {
	r := NewRegistry()
	ctx, s, err := r.Begin(context.Background(), "peer", "x")
	require.NoError(t, err)

	ended := make(chan struct{})
	go func() {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		close(ended)
		r.End(s)
	}()

	r.Close()
	select {
	case <-ended:
	default:
		t.Fatal("Close returned before the session ended")
	}

	_, _, err = r.Begin(context.Background(), "file", "y")
	assert.ErrorIs(t, err, ErrClosed)
}
