package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	calls atomic.Int32
	ok    bool
}

func (f *fakeTokens) GetValidAccessToken(context.Context) (string, bool) {
	f.calls.Add(1)
	return "a1", f.ok
}

type fakeSession bool

func (s fakeSession) HasSession() bool { return bool(s) }

func TestTokenRefresher_RunOnce(t *testing.T) {
	tokens := &fakeTokens{ok: true}
	r := NewTokenRefresher(nil, tokens, fakeSession(true), time.Minute)
	assert.True(t, r.runOnce(context.Background()))
	assert.Equal(t, int32(1), tokens.calls.Load())

	tokens.ok = false
	assert.False(t, r.runOnce(context.Background()))
}

func TestTokenRefresher_SkipsWithoutSession(t *testing.T) {
	tokens := &fakeTokens{ok: true}
	r := NewTokenRefresher(nil, tokens, fakeSession(false), time.Minute)
	assert.False(t, r.runOnce(context.Background()))
	assert.Zero(t, tokens.calls.Load())
}

func TestTokenRefresher_StartTicksUntilStopped(t *testing.T) {
	tokens := &fakeTokens{ok: true}
	r := NewTokenRefresher(nil, tokens, nil, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return tokens.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
	<-done
}

func TestTokenRefresher_StopsOnContextCancel(t *testing.T) {
	r := NewTokenRefresher(nil, &fakeTokens{ok: true}, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop")
	}
}
