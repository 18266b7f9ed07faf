package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitStatus(t *testing.T, r *Runner, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := r.Status(id); ok && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := r.Status(id)
	t.Fatalf("task %s: want status %s, got %s", id, want, got)
}

func TestTokenCancelIsIdempotent(t *testing.T) {
	token := NewToken()
	require.False(t, token.Cancelled())
	require.NoError(t, token.Err())

	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())
	assert.ErrorIs(t, token.Err(), ErrCancelled)

	select {
	case <-token.Done():
	default:
		t.Fatal("done channel not closed after cancel")
	}
}

func TestRunnerExecutesSubmittedTasks(t *testing.T) {
	r := NewRunner(2, nil)
	r.Start(context.Background())
	defer r.Stop()

	var ran atomic.Int32
	id, err := r.Submit(func(ctx context.Context, token *Token) error {
		ran.Add(1)
		return nil
	}, "ok")
	require.NoError(t, err)

	waitStatus(t, r, id, StatusCompleted)
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunnerRecordsFailure(t *testing.T) {
	r := NewRunner(1, nil)
	r.Start(context.Background())
	defer r.Stop()

	id, err := r.Submit(func(ctx context.Context, token *Token) error {
		return errors.New("boom")
	}, "fails")
	require.NoError(t, err)
	waitStatus(t, r, id, StatusFailed)
}

func TestRunnerRecoversPanicAsFailure(t *testing.T) {
	r := NewRunner(1, nil)
	r.Start(context.Background())
	defer r.Stop()

	id, err := r.Submit(func(ctx context.Context, token *Token) error {
		panic("kaboom")
	}, "panics")
	require.NoError(t, err)
	waitStatus(t, r, id, StatusFailed)

	// The worker survives the panic.
	id2, err := r.Submit(func(ctx context.Context, token *Token) error { return nil }, "after")
	require.NoError(t, err)
	waitStatus(t, r, id2, StatusCompleted)
}

func TestRunnerCancelQueuedTaskSkipsExecution(t *testing.T) {
	r := NewRunner(1, nil)
	r.Start(context.Background())
	defer r.Stop()

	block := make(chan struct{})
	first, err := r.Submit(func(ctx context.Context, token *Token) error {
		<-block
		return nil
	}, "blocker")
	require.NoError(t, err)

	var ran atomic.Bool
	second, err := r.Submit(func(ctx context.Context, token *Token) error {
		ran.Store(true)
		return nil
	}, "queued")
	require.NoError(t, err)

	require.True(t, r.Cancel(second))
	waitStatus(t, r, second, StatusCancelled)

	close(block)
	waitStatus(t, r, first, StatusCompleted)
	assert.False(t, ran.Load(), "cancelled queued task must not run")
}

func TestRunnerCancelRunningTaskIsCooperative(t *testing.T) {
	r := NewRunner(1, nil)
	r.Start(context.Background())
	defer r.Stop()

	started := make(chan struct{})
	id, err := r.Submit(func(ctx context.Context, token *Token) error {
		close(started)
		<-token.Done()
		return ErrCancelled
	}, "cooperative")
	require.NoError(t, err)

	<-started
	require.True(t, r.Cancel(id))
	waitStatus(t, r, id, StatusCancelled)
}

func TestRunnerCancelTerminalReturnsFalse(t *testing.T) {
	r := NewRunner(1, nil)
	r.Start(context.Background())
	defer r.Stop()

	id, err := r.Submit(func(ctx context.Context, token *Token) error { return nil }, "done")
	require.NoError(t, err)
	waitStatus(t, r, id, StatusCompleted)

	assert.False(t, r.Cancel(id))
	assert.False(t, r.Cancel("no-such-task"))
}

func TestRunnerStopDrainsAndRejectsSubmit(t *testing.T) {
	r := NewRunner(2, nil)
	r.Start(context.Background())

	id, err := r.Submit(func(ctx context.Context, token *Token) error {
		<-token.Done()
		return ErrCancelled
	}, "waits-for-cancel")
	require.NoError(t, err)

	r.Stop()

	status, ok := r.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, status)

	_, err = r.Submit(func(ctx context.Context, token *Token) error { return nil }, "late")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRunnerFIFOOrder(t *testing.T) {
	r := NewRunner(1, nil)
	r.Start(context.Background())
	defer r.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		n := i
		_, err := r.Submit(func(ctx context.Context, token *Token) error {
			order = append(order, n) // single worker serializes access
			if n == 4 {
				close(done)
			}
			return nil
		}, "ordered")
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not finish")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
