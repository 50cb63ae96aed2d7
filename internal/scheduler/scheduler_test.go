package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediateFirstTick(t *testing.T) {
	s := New(Options{Name: "deribit", Interval: time.Hour, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan time.Time, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, at time.Time) error {
			fired <- at
			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("first tick should fire without waiting an interval")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTicksRepeatAndErrorsDoNotStop(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var n atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, at time.Time) error {
		if n.Add(1) >= 3 {
			cancel()
		}
		return errors.New("venue down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, n.Load(), int32(3))
}

func TestAlignedNextTick(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), s.bucketStart(time.Date(2026, 3, 1, 10, 1, 0, 5, time.UTC)))
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
