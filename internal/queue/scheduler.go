package queue

import "github.com/google/uuid"

const defaultMaxBatchTokens = 8000

// Batch is a group of jobs scheduled for one compute-provider call. All
// jobs in a batch share a profile hash.
type Batch struct {
	ID          string `json:"id"`
	ProfileHash string `json:"profile_hash"`
	Jobs        []*Job `json:"jobs"`
	TotalTokens int    `json:"total_tokens"`
}

// SchedulerConfig tunes batch construction.
type SchedulerConfig struct {
	// MaxBatchTokens caps a batch's summed token estimate. A single job
	// whose own estimate exceeds the cap still ships, alone.
	MaxBatchTokens int `koanf:"max_batch_tokens"`
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{MaxBatchTokens: defaultMaxBatchTokens}
}

// Scheduler groups jobs into cache-affine batches.
type Scheduler struct {
	maxBatchTokens int
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxBatchTokens <= 0 {
		cfg.MaxBatchTokens = defaultMaxBatchTokens
	}
	return &Scheduler{maxBatchTokens: cfg.MaxBatchTokens}
}

// BuildBatches partitions jobs into batches. Jobs with different profile
// hashes never share a batch; within a hash, jobs fill a batch in FIFO
// order until the next job would push the token sum over the cap, which
// starts a fresh batch. Every input job lands in exactly one batch.
// Batches come out in first-appearance order of their contents.
func (s *Scheduler) BuildBatches(jobs []*Job) []*Batch {
	var batches []*Batch
	open := make(map[string]*Batch)

	for _, job := range jobs {
		b, ok := open[job.ProfileHash]
		if ok && b.TotalTokens+job.EstimatedTokens > s.maxBatchTokens {
			ok = false
		}
		if !ok {
			b = &Batch{
				ID:          uuid.New().String(),
				ProfileHash: job.ProfileHash,
			}
			batches = append(batches, b)
			open[job.ProfileHash] = b
		}
		b.Jobs = append(b.Jobs, job)
		b.TotalTokens += job.EstimatedTokens
	}
	return batches
}
