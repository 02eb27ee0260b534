package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/compute"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
)

// echoProvider succeeds after a configurable number of failures per call
// sequence, echoing the prompt back.
type echoProvider struct {
	calls    atomic.Int64
	failures int64
	err      error
}

func (p *echoProvider) Generate(_ context.Context, prompt string, _ map[string]any) (*compute.Generation, error) {
	n := p.calls.Add(1)
	if n <= p.failures {
		if p.err != nil {
			return nil, p.err
		}
		return nil, errors.New("transient provider error")
	}
	return &compute.Generation{Success: true, Content: "echo: " + prompt}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestWorker(t *testing.T, provider compute.Provider, opts WorkerOptions) (*Worker, *GatewayQueue) {
	t.Helper()
	q := NewGatewayQueue()
	if opts.Processor == nil {
		opts.Assembler = compute.NewTemplateAssembler()
		opts.Provider = provider
	}
	w, err := NewWorker(q, NewScheduler(SchedulerConfig{MaxBatchTokens: 600}), fastRetry(), opts, zap.NewNop())
	require.NoError(t, err)
	return w, q
}

func TestNewWorker_Validation(t *testing.T) {
	q := NewGatewayQueue()
	s := NewScheduler(DefaultSchedulerConfig())

	_, err := NewWorker(nil, s, RetryConfig{}, WorkerOptions{Processor: func(context.Context, *Batch) error { return nil }}, nil)
	require.Error(t, err)

	_, err = NewWorker(q, s, RetryConfig{}, WorkerOptions{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor or an assembler")
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	w, _ := newTestWorker(t, &echoProvider{}, WorkerOptions{})
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_ProviderPath(t *testing.T) {
	w, q := newTestWorker(t, &echoProvider{}, WorkerOptions{})

	q.Enqueue(&Job{ID: "j1", ProfileHash: "h1", SkillID: "summarize", EstimatedTokens: 400,
		Payload: map[string]any{"text": "alpha"}})
	q.Enqueue(&Job{ID: "j2", ProfileHash: "h1", SkillID: "summarize", EstimatedTokens: 400})
	q.Enqueue(&Job{ID: "j3", ProfileHash: "h2", SkillID: "review", EstimatedTokens: 300})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, q.Size())

	results := w.DrainResults()
	require.Len(t, results, 3)
	byJob := map[string]*Result{}
	for _, r := range results {
		byJob[r.JobID] = r
	}
	require.Contains(t, byJob, "j1")
	assert.True(t, byJob["j1"].Success)
	assert.True(t, strings.HasPrefix(byJob["j1"].Content, "echo: "))
	assert.Contains(t, byJob["j1"].Content, "alpha")
}

func TestRunOnce_ProcessorPath(t *testing.T) {
	var processed atomic.Int64
	w, q := newTestWorker(t, nil, WorkerOptions{
		Processor: func(_ context.Context, batch *Batch) error {
			processed.Add(int64(len(batch.Jobs)))
			return nil
		},
	})

	q.Enqueue(&Job{ID: "j1", ProfileHash: "h1", EstimatedTokens: 100})
	q.Enqueue(&Job{ID: "j2", ProfileHash: "h1", EstimatedTokens: 100})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), processed.Load())

	results := w.DrainResults()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestRunOnce_RetriesThenSucceeds(t *testing.T) {
	provider := &echoProvider{failures: 2}
	w, q := newTestWorker(t, provider, WorkerOptions{})

	q.Enqueue(&Job{ID: "j1", ProfileHash: "h1", SkillID: "summarize", EstimatedTokens: 100})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	results := w.DrainResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(3), provider.calls.Load(), "two failures then one success")
}

func TestRunOnce_RetryBudgetExhausted(t *testing.T) {
	provider := &echoProvider{failures: 100, err: errors.New("provider down")}
	w, q := newTestWorker(t, provider, WorkerOptions{})

	q.Enqueue(&Job{ID: "j1", ProfileHash: "h1", SkillID: "summarize", EstimatedTokens: 100})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err, "batch failures land in results, not in the error")
	assert.Equal(t, 1, n)

	results := w.DrainResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "provider down")
	// Initial attempt plus MaxRetries.
	assert.Equal(t, int64(3), provider.calls.Load())
}

func TestDrainResults_ExactlyOnce(t *testing.T) {
	w, q := newTestWorker(t, &echoProvider{}, WorkerOptions{})

	for i := 0; i < 4; i++ {
		q.Enqueue(&Job{ID: fmt.Sprintf("j%d", i), ProfileHash: "h1", EstimatedTokens: 100})
	}
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	first := w.DrainResults()
	assert.Len(t, first, 4)
	assert.Empty(t, w.DrainResults())
}

func TestRunOnce_NotifiesHandlerAndHub(t *testing.T) {
	hub := events.NewHub(zap.NewNop())
	sub := hub.Subscribe([]string{"job.*"}, "")
	defer hub.Unsubscribe(sub.ID)

	var handled atomic.Int64
	w, q := newTestWorker(t, &echoProvider{}, WorkerOptions{
		ResultHandler: func(*Result) { handled.Add(1) },
		Hub:           hub,
	})

	q.Enqueue(&Job{ID: "j1", ProjectID: "p1", ProfileHash: "h1", EstimatedTokens: 100})
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), handled.Load())
	ev := <-sub.C
	assert.Equal(t, "job.completed", ev.Type)
	assert.Equal(t, "j1", ev.ResourceID)
	assert.Equal(t, "p1", ev.ProjectID)
}

func TestRunOnce_CancelledContextRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w, q := newTestWorker(t, &echoProvider{}, WorkerOptions{})
	q.Enqueue(&Job{ID: "j1", ProfileHash: "h1", EstimatedTokens: 100})

	_, err := w.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, q.Size(), "unprocessed jobs return to the queue")
}
