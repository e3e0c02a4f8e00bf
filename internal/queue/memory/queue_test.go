package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), "task-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "task-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue[int](1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), 1))
	require.EqualError(t, qEnqueue.Enqueue(ctx, 2), "enqueue canceled: context canceled")
}

func TestQueueTryEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	require.NoError(t, q.TryEnqueue(1))
	require.NoError(t, q.TryEnqueue(2))
	require.ErrorIs(t, q.TryEnqueue(3), ErrFull)
	require.Equal(t, 2, q.Len())

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, got)
	require.NoError(t, q.TryEnqueue(3))
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), 1), ErrClosed)
	require.ErrorIs(t, q.TryEnqueue(1), ErrClosed)
	// Closing twice should be safe.
	q.Close()
}
