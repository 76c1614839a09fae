package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitRunsJobs(t *testing.T) {
	p := New(2, 8, quietLogger())
	var ran atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit(key, func(ctx context.Context) { ran.Add(1) }))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, 0, p.Len())
}

func TestSubmitRejectsDuplicateAndFullQueue(t *testing.T) {
	p := New(1, 1, quietLogger())
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit("running", func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit("queued", func(ctx context.Context) {}))

	assert.ErrorIs(t, p.Submit("running", func(ctx context.Context) {}), ErrDuplicate)
	assert.ErrorIs(t, p.Submit("overflow", func(ctx context.Context) {}), ErrQueueFull)

	close(block)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit("late", func(ctx context.Context) {}), ErrClosed)
}

func TestCancelSignalsRunningJob(t *testing.T) {
	p := New(1, 4, quietLogger())
	started := make(chan struct{})
	finished := make(chan error, 1)
	require.NoError(t, p.Submit("task-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
	}))
	<-started
	assert.True(t, p.Cancel("task-1"))
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
	assert.False(t, p.Cancel("unknown"))
	require.NoError(t, p.Close(context.Background()))
}

func TestCancelledQueuedJobNeverRuns(t *testing.T) {
	p := New(1, 4, quietLogger())
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit("first", func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started
	var ran atomic.Bool
	require.NoError(t, p.Submit("second", func(ctx context.Context) { ran.Store(true) }))
	assert.True(t, p.Cancel("second"))
	close(block)
	require.NoError(t, p.Close(context.Background()))
	assert.False(t, ran.Load())
}

func TestPanicIsContained(t *testing.T) {
	p := New(1, 4, quietLogger())
	var after atomic.Bool
	require.NoError(t, p.Submit("boom", func(ctx context.Context) { panic("agent exploded") }))
	require.NoError(t, p.Submit("next", func(ctx context.Context) { after.Store(true) }))
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, after.Load())
	assert.False(t, p.Inflight("boom"))
}

func TestRegisterTracksExternalWork(t *testing.T) {
	p := New(1, 1, quietLogger())
	defer p.Close(context.Background())

	ctx, done, err := p.Register(context.Background(), "task-9")
	require.NoError(t, err)
	assert.True(t, p.Inflight("task-9"))
	_, _, err = p.Register(context.Background(), "task-9")
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.True(t, p.Cancel("task-9"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	done()
	assert.False(t, p.Inflight("task-9"))
}

func TestCloseTimeoutCancelsRunningJobs(t *testing.T) {
	p := New(1, 1, quietLogger())
	started := make(chan struct{})
	require.NoError(t, p.Submit("slow", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.NoError(t, p.Close(context.Background()))
}

func TestCancelReachesGroupMembers(t *testing.T) {
	p := New(2, 4, quietLogger())
	started := make(chan struct{}, 2)
	errs := make(chan error, 2)
	for _, key := range []string{"subtask:a", "subtask:b"} {
		require.NoError(t, p.SubmitIn("task-1", key, func(ctx context.Context) {
			started <- struct{}{}
			<-ctx.Done()
			errs <- ctx.Err()
		}))
	}
	<-started
	<-started
	assert.ErrorIs(t, p.SubmitIn("task-1", "subtask:a", func(ctx context.Context) {}), ErrDuplicate)
	assert.False(t, p.Cancel("task-2"))

	assert.True(t, p.Cancel("task-1"))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("group member did not observe cancellation")
		}
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 0, p.Len())
}
