// Package queue implements the outbound compute pipeline: a FIFO job
// queue, a batch scheduler that groups jobs by cache-affinity, and the
// worker that executes batches against a compute provider.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of outbound compute work. ProfileHash is the
// cache-affinity key: jobs sharing it render against the same prompt
// preamble and are batched together to maximize provider-side cache reuse.
type Job struct {
	ID              string         `json:"id"`
	ArtifactID      string         `json:"artifact_id"`
	ProjectID       string         `json:"project_id"`
	SkillID         string         `json:"skill_id"`
	ProviderHint    string         `json:"provider_hint,omitempty"`
	ProfileHash     string         `json:"profile_hash"`
	Payload         map[string]any `json:"payload,omitempty"`
	EstimatedTokens int            `json:"estimated_tokens"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
}

// GatewayQueue is a mutex-guarded FIFO queue safe for concurrent
// producers and consumers.
type GatewayQueue struct {
	mu   sync.Mutex
	jobs []*Job
}

// NewGatewayQueue returns an empty queue.
func NewGatewayQueue() *GatewayQueue {
	return &GatewayQueue{}
}

// Enqueue appends a job, assigning an id and enqueue time if unset.
func (q *GatewayQueue) Enqueue(job *Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
}

// Dequeue removes and returns the oldest job, or nil when empty.
func (q *GatewayQueue) Dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job
}

// DrainAll removes and returns every queued job in FIFO order.
func (q *GatewayQueue) DrainAll() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

// Peek returns the oldest job without removing it, or nil when empty.
func (q *GatewayQueue) Peek() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[0]
}

// Size reports the number of queued jobs.
func (q *GatewayQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
