package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoll(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	proc := Poll(time.Millisecond, func(ctx context.Context) bool {
		if calls.Add(1) >= 5 {
			cancel()
		}
		return false
	})

	err := proc(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(5))
}

func TestPollImmediateRequeue(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	// Returning true re-invokes without waiting for the ticker, so a long
	// interval still completes quickly.
	proc := Poll(time.Hour, func(ctx context.Context) bool {
		if calls.Add(1) >= 3 {
			cancel()
			return false
		}
		return true
	})

	done := make(chan error, 1)
	go func() { done <- proc(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not re-invoke immediately")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestKeyedLimiter(t *testing.T) {
	limiter := NewKeyedLimiter(time.Minute, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d should pass", i+1)
	}
	assert.False(t, limiter.Allow("10.0.0.1"), "sixth request in window should be limited")

	// Other keys have their own budget.
	assert.True(t, limiter.Allow("10.0.0.2"))
}
