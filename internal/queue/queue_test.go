package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayQueue_FIFO(t *testing.T) {
	q := NewGatewayQueue()
	q.Enqueue(&Job{ID: "a"})
	q.Enqueue(&Job{ID: "b"})
	q.Enqueue(&Job{ID: "c"})

	require.Equal(t, 3, q.Size())
	assert.Equal(t, "a", q.Peek().ID)
	assert.Equal(t, 3, q.Size(), "peek must not remove")

	assert.Equal(t, "a", q.Dequeue().ID)
	assert.Equal(t, "b", q.Dequeue().ID)
	assert.Equal(t, "c", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
	assert.Nil(t, q.Peek())
}

func TestGatewayQueue_AssignsIDAndTimestamp(t *testing.T) {
	q := NewGatewayQueue()
	q.Enqueue(&Job{SkillID: "summarize"})

	job := q.Dequeue()
	require.NotNil(t, job)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestGatewayQueue_DrainAll(t *testing.T) {
	q := NewGatewayQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(&Job{ID: fmt.Sprintf("j%d", i)})
	}

	jobs := q.DrainAll()
	require.Len(t, jobs, 5)
	assert.Equal(t, "j0", jobs[0].ID)
	assert.Equal(t, "j4", jobs[4].ID)
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, q.DrainAll())
}

func TestGatewayQueue_ConcurrentProducers(t *testing.T) {
	q := NewGatewayQueue()

	const producers = 8
	const perProducer = 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(&Job{ID: fmt.Sprintf("p%d-j%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Size())

	seen := make(map[string]bool)
	for job := q.Dequeue(); job != nil; job = q.Dequeue() {
		require.False(t, seen[job.ID], "job %s dequeued twice", job.ID)
		seen[job.ID] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
