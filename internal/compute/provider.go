// Package compute abstracts the outbound text-generation provider that the
// gateway worker executes batches against, plus the prompt assembly used to
// turn a queued job payload into a provider-ready prompt.
package compute

import "context"

// Generation is the per-call provider result.
type Generation struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

// Provider executes a single generation call. Implementations are expected
// to apply their own rate limiting; retries are owned by the caller.
type Provider interface {
	Generate(ctx context.Context, prompt string, promptContext map[string]any) (*Generation, error)
}
