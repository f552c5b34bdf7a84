package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// queueContract runs the behaviour every backend must satisfy.
func queueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("fifo order", func(t *testing.T) {
		q := newQueue(t)
		for _, id := range []types.JobID{"a", "b", "c"} {
			ok, err := q.Enqueue(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)
		}

		ids, err := q.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []types.JobID{"a", "b", "c"}, ids)

		for _, want := range []types.JobID{"a", "b", "c"} {
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("enqueue is idempotent while queued or active", func(t *testing.T) {
		q := newQueue(t)
		ok, err := q.Enqueue(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = q.Enqueue(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok, "already queued")

		id, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, types.JobID("a"), id)

		ok, err = q.Enqueue(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok, "still active")

		require.NoError(t, q.Done(ctx, "a"))
		ok, err = q.Enqueue(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok, "released after Done")
	})

	t.Run("reconcile releases dequeued ids", func(t *testing.T) {
		q := newQueue(t)
		for _, id := range []types.JobID{"a", "b"} {
			_, err := q.Enqueue(ctx, id)
			require.NoError(t, err)
		}
		id, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, types.JobID("a"), id)

		require.NoError(t, q.Reconcile(ctx))

		ok, err := q.Enqueue(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok, "dequeued id without Done is released")
		ok, err = q.Enqueue(ctx, "b")
		require.NoError(t, err)
		assert.False(t, ok, "queued id stays a member")

		ids, err := q.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []types.JobID{"b", "a"}, ids)
	})

	t.Run("cancelled context does not pop", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, "a")
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = q.Dequeue(cctx)
		assert.ErrorIs(t, err, context.Canceled)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("wait does not remove", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, "a")
		require.NoError(t, err)

		require.NoError(t, q.Wait(ctx))
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("dequeue blocks until enqueue", func(t *testing.T) {
		q := newQueue(t)
		got := make(chan types.JobID, 1)
		go func() {
			id, err := q.Dequeue(ctx)
			if err == nil {
				got <- id
			}
		}()

		select {
		case <-got:
			t.Fatal("dequeue returned on an empty queue")
		case <-time.After(50 * time.Millisecond):
		}

		_, err := q.Enqueue(ctx, "late")
		require.NoError(t, err)
		select {
		case id := <-got:
			assert.Equal(t, types.JobID("late"), id)
		case <-time.After(3 * time.Second):
			t.Fatal("dequeue did not wake up")
		}
	})

	t.Run("close wakes blocked consumer", func(t *testing.T) {
		q := newQueue(t)
		errCh := make(chan error, 1)
		go func() {
			_, err := q.Dequeue(ctx)
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, q.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("dequeue did not return after close")
		}
		_, err := q.Enqueue(ctx, "x")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, q.Wait(ctx), ErrClosed)
	})

	t.Run("context cancel", func(t *testing.T) {
		q := newQueue(t)
		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, q.Wait(cctx), context.DeadlineExceeded)
	})
}

func TestMemoryQueue(t *testing.T) {
	queueContract(t, func(t *testing.T) Queue {
		q := NewMemory()
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), Config{}, types.Domains)
	require.NoError(t, err)
	defer s.Close()

	for _, d := range types.Domains {
		assert.IsType(t, &Memory{}, s.Get(d))
	}
	assert.NotSame(t, s.Get(types.DomainGeneration), s.Get(types.DomainTraining))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "kafka"}, types.Domains)
	assert.Error(t, err)
}
