// Package webhook delivers studio events to registered HTTP endpoints,
// signing each payload so receivers can authenticate it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
)

const (
	// HeaderSignature carries "sha256=" plus the hex HMAC-SHA256 of the
	// raw body keyed by the endpoint secret.
	HeaderSignature = "X-Studio-Signature"
	HeaderEventID   = "X-Studio-Event-Id"
	HeaderTimestamp = "X-Studio-Timestamp"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
	maxBackoff        = 30 * time.Second
)

// Endpoint is a registered webhook receiver. EventTypes uses the hub's
// pattern syntax; an empty list matches everything.
type Endpoint struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Secret     string   `json:"-"`
	EventTypes []string `json:"event_types,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
}

func (e *Endpoint) matches(ev *events.Event) bool {
	if e.ProjectID != "" && ev.ProjectID != e.ProjectID {
		return false
	}
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, pattern := range e.EventTypes {
		if events.MatchPattern(pattern, ev.Type) {
			return true
		}
	}
	return false
}

// Config tunes delivery behavior.
type Config struct {
	// Timeout bounds each delivery attempt.
	Timeout time.Duration `koanf:"timeout"`
	// MaxRetries bounds re-delivery after a failed attempt.
	MaxRetries int `koanf:"max_retries"`
	// InitialBackoff is the first retry delay; it doubles per attempt up
	// to a fixed cap.
	InitialBackoff time.Duration `koanf:"initial_backoff"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        defaultTimeout,
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultBackoff,
	}
}

// Dispatcher fans events out to registered endpoints.
type Dispatcher struct {
	config Config
	client *http.Client
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewDispatcher creates a dispatcher with its own HTTP client.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		endpoints: make(map[string]*Endpoint),
	}
}

// Register adds an endpoint, assigning an id if unset, and returns it.
func (d *Dispatcher) Register(ep *Endpoint) (*Endpoint, error) {
	if ep.URL == "" {
		return nil, errors.New("webhook: endpoint URL is required")
	}
	if ep.Secret == "" {
		return nil, errors.New("webhook: endpoint secret is required")
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	d.mu.Lock()
	d.endpoints[ep.ID] = ep
	d.mu.Unlock()
	return ep, nil
}

// Unregister removes an endpoint by id.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	delete(d.endpoints, id)
	d.mu.Unlock()
}

// Endpoints returns the registered endpoints.
func (d *Dispatcher) Endpoints() []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, ep)
	}
	return out
}

// Dispatch delivers an event to every matching endpoint. Failed endpoints
// are logged and skipped; one bad receiver never blocks the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("encode event", zap.Error(err))
		return
	}

	d.mu.RLock()
	targets := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if ep.matches(ev) {
			targets = append(targets, ep)
		}
	}
	d.mu.RUnlock()

	for _, ep := range targets {
		if err := d.deliver(ctx, ep, ev, body); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("endpoint_id", ep.ID),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
}

// deliver posts the body with bounded retries and exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, ev *events.Event, body []byte) error {
	backoff := d.config.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		if lastErr = d.attempt(ctx, ep, ev, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.config.MaxRetries+1, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, ev *events.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Run consumes a hub subscription until the context ends, dispatching
// every received event. Intended to be launched as its own goroutine.
func (d *Dispatcher) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Sign computes the signature header value for a raw body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether a signature header matches the body. Receivers
// must verify before trusting a payload.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
