package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerExecutesSubmittedTasks(t *testing.T) {
	r := NewRunner(context.Background(), 2, 8)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		err := r.Submit("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, int32(5), ran.Load())
}

func TestRunnerDrainsQueueOnShutdown(t *testing.T) {
	r := NewRunner(context.Background(), 1, 16)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Submit("slow", func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}

	// Shutdown must wait for every queued task, not just in-flight ones.
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
}

func TestSubmitAfterShutdown(t *testing.T) {
	r := NewRunner(context.Background(), 1, 1)
	require.NoError(t, r.Shutdown(context.Background()))

	err := r.Submit("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownHonorsDeadline(t *testing.T) {
	r := NewRunner(context.Background(), 1, 1)

	blocked := make(chan struct{})
	require.NoError(t, r.Submit("block", func(ctx context.Context) error {
		<-blocked
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocked)
}

func TestTaskErrorsDoNotStopWorkers(t *testing.T) {
	r := NewRunner(context.Background(), 1, 8)

	var ran atomic.Int32
	require.NoError(t, r.Submit("fail", func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, r.Submit("after", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, int32(1), ran.Load())
}
