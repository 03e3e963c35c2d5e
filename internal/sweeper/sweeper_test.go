package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secshare.io/engine/internal/engine"
)

type fakeSweeper struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (f *fakeSweeper) Sweep(ctx context.Context) (engine.SweepResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return engine.SweepResult{}, ctx.Err()
		}
	}
	return engine.SweepResult{Purged: 2}, f.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeSweeper{}, "not a schedule", nil)
	assert.Error(t, err)
}

func TestRunOnceLogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	target := &fakeSweeper{err: errors.New("store down")}

	s, err := New(target, "@every 1h", logger)
	require.NoError(t, err)

	require.Error(t, s.RunOnce(context.Background()))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "sweeper", hook.LastEntry().Data["component"])
}

func TestRunOnceSkipsWhenCanceled(t *testing.T) {
	target := &fakeSweeper{}
	s, err := New(target, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.RunOnce(ctx), context.Canceled)
	assert.Zero(t, target.calls.Load())
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	target := &fakeSweeper{}
	s, err := New(target, "@every 1h", nil)
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStopCancelsRunningSweepOnDeadline(t *testing.T) {
	target := &fakeSweeper{block: make(chan struct{})}
	s, err := New(target, "@every 1h", nil)
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	target := &fakeSweeper{block: make(chan struct{})}
	s, err := New(target, "@every 1h", nil)
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- s.RunOnce(context.Background()) }()
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.EqualValues(t, 1, target.calls.Load())

	close(target.block)
	require.NoError(t, <-done)
}
