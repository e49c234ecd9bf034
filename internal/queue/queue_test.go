package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/ticketd/internal/ticket"
)

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := New(10)

	require.NoError(t, q.Enqueue(ticket.New("ENG-1", "first")))
	require.NoError(t, q.Enqueue(ticket.New("ENG-2", "second")))
	require.Equal(t, 2, q.Len())

	tk, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "ENG-1", tk.Key)

	tk, ok = q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "ENG-2", tk.Key)

	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestEnqueue_FullQueue(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Enqueue(ticket.New("ENG-1", "a")))
	require.NoError(t, q.Enqueue(ticket.New("ENG-2", "b")))

	err := q.Enqueue(ticket.New("ENG-3", "c"))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 2, q.Len())
}

func TestPeek_DoesNotRemove(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Enqueue(ticket.New("ENG-1", "a")))

	tk, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, "ENG-1", tk.Key)
	require.Equal(t, 1, q.Len())
}

func TestPeek_Empty(t *testing.T) {
	q := New(10)
	_, ok := q.Peek()
	require.False(t, ok)
}

func TestDrain_ReturnsAllInOrderAndEmpties(t *testing.T) {
	q := New(10)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ticket.New(fmt.Sprintf("ENG-%d", i), "t")))
	}

	drained := q.Drain()
	require.Len(t, drained, 3)
	require.Equal(t, "ENG-1", drained[0].Key)
	require.Equal(t, "ENG-3", drained[2].Key)
	require.Equal(t, 0, q.Len())

	require.Empty(t, q.Drain())
}

// TestQueue_FIFOProperty verifies FIFO ordering holds for arbitrary
// enqueue sequences.
func TestQueue_FIFOProperty(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(r, "n")
		q := New(n + 1)

		keys := make([]string, n)
		for i := 0; i < n; i++ {
			keys[i] = fmt.Sprintf("ENG-%d", i)
			if err := q.Enqueue(ticket.New(keys[i], "t")); err != nil {
				r.Fatalf("enqueue failed: %v", err)
			}
		}

		drained := q.Drain()
		if len(drained) != n {
			r.Fatalf("drained %d entries, want %d", len(drained), n)
		}
		for i, tk := range drained {
			if tk.Key != keys[i] {
				r.Fatalf("position %d: got %q, want %q", i, tk.Key, keys[i])
			}
		}
	})
}
