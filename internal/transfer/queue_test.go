package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsTask(t *testing.T) {
	q := NewQueue(2)
	var ran atomic.Bool

	task, err := q.Submit("run-1", TaskTypeUpload, nil, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", task.RunID)
	assert.NotEmpty(t, task.ID)

	q.Wait()
	assert.True(t, ran.Load())
	assert.False(t, q.IsActive("run-1"))

	assert.Equal(t, QueueStats{Completed: 1}, q.GetStats())
}

func TestQueue_OnePipelinePerRun(t *testing.T) {
	q := NewQueue(4)
	release := make(chan struct{})

	_, err := q.Submit("run-1", TaskTypeUpload, nil, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.True(t, q.IsActive("run-1"))

	_, err = q.Submit("run-1", TaskTypeDownload, nil, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)

	// other runs are unaffected
	_, err = q.Submit("run-2", TaskTypeDownload, nil, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	close(release)
	q.Wait()

	_, err = q.Submit("run-1", TaskTypeDownload, nil, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	q.Wait()
}

func TestQueue_PrepareFailureReleasesRun(t *testing.T) {
	q := NewQueue(1)
	boom := errors.New("boom")

	_, err := q.Submit("run-1", TaskTypeDownload, func() error { return boom }, func(ctx context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, q.IsActive("run-1"))
	assert.Equal(t, QueueStats{}, q.GetStats())
}

func TestQueue_BoundsConcurrency(t *testing.T) {
	q := NewQueue(2)
	var running, peak atomic.Int32
	release := make(chan struct{})

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Submit(id, TaskTypeUpload, nil, func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.GetStats().Active == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, q.GetStats().Queued)

	close(release)
	q.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 5, q.GetStats().Completed)
}

func TestQueue_FailureRecorded(t *testing.T) {
	q := NewQueue(1)
	_, err := q.Submit("run-1", TaskTypeUpload, nil, func(ctx context.Context) error {
		return errors.New("transfer broke")
	})
	require.NoError(t, err)
	q.Wait()

	stats := q.GetStats()
	assert.Equal(t, QueueStats{Failed: 1}, stats)
	assert.False(t, q.IsActive("run-1"))
}

func TestQueue_ShutdownCancelsAfterDeadline(t *testing.T) {
	q := NewQueue(1)
	_, err := q.Submit("run-1", TaskTypeDownload, nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q.Shutdown(ctx)

	assert.Equal(t, QueueStats{Failed: 1}, q.GetStats())

	_, err = q.Submit("run-2", TaskTypeUpload, nil, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
