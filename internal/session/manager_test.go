package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRegisterGetDone(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, s := m.Register(context.Background(), "u1", "sse")
	require.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, m.ActiveCount())

	m.Done(s.ID)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	_, err = m.Get(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestManagerCancelStopsContext(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, s := m.Register(context.Background(), "u1", "websocket")

	canceled, err := m.Cancel(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, 0, m.ActiveCount())
	assert.Len(t, m.List(), 1)

	_, err = m.Cancel("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerJanitorExpiresOverdue(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	expired := make(chan Stream, 1)
	m.SetExpireHook(func(s Stream) { expired <- s })
	ctx, s := m.Register(context.Background(), "u1", "raw")

	janitorCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(janitorCtx, 10*time.Millisecond)

	select {
	case got := <-expired:
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, StatusExpired, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatalf("stream was not expired")
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
