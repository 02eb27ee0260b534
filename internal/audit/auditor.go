// Package audit provides the append-only compliance log. Routing decisions
// and vetoes are buffered in memory, flushed to one JSONL file per
// organization, and mirrored best-effort to the event hub.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/policy"
)

// Event types recorded in the audit trail.
const (
	EventRoutingDecision = "routing_decision"
	EventVeto            = "veto"
)

// Event is one append-only audit record.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"event_type"`
	Organization string         `json:"organization"`
	Payload      map[string]any `json:"payload"`
}

// Emitter receives mirrored audit events. Satisfied by *events.Hub.
type Emitter interface {
	Emit(ev *events.Event)
}

// Config tunes the auditor.
type Config struct {
	// Dir is where per-organization JSONL files live.
	Dir string

	// Organization stamps every event and names the log file.
	Organization string

	// BufferSize is the number of buffered events before an automatic
	// flush. Default 50.
	BufferSize int
}

// DefaultConfig returns production defaults rooted at dir.
func DefaultConfig(dir, organization string) *Config {
	return &Config{Dir: dir, Organization: organization, BufferSize: 50}
}

// Auditor is the buffered append-only writer.
type Auditor struct {
	config *Config
	logger *zap.Logger
	hub    Emitter

	mu     sync.Mutex
	buffer []*Event
}

// New creates an auditor. hub may be nil; mirroring is best-effort.
func New(cfg *Config, hub Emitter, logger *zap.Logger) (*Auditor, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if cfg.Organization == "" {
		return nil, fmt.Errorf("organization is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Auditor{config: cfg, logger: logger, hub: hub}, nil
}

func (a *Auditor) logPath() string {
	return filepath.Join(a.config.Dir, a.config.Organization+".jsonl")
}

// LogRoutingDecision records an allow/recommendation decision.
func (a *Auditor) LogRoutingDecision(_ context.Context, payload map[string]any) {
	a.append(EventRoutingDecision, payload)
}

// LogVetoEvent records a veto with its full reason and caller context.
func (a *Auditor) LogVetoEvent(_ context.Context, veto *policy.VetoReason, eventContext map[string]any) {
	payload := map[string]any{
		"reason":          veto.Reason,
		"policy_violated": veto.PolicyViolated,
		"severity":        veto.Severity,
		"details":         veto.Details,
	}
	for k, v := range eventContext {
		payload["context_"+k] = v
	}
	a.append(EventVeto, payload)
}

func (a *Auditor) append(eventType string, payload map[string]any) {
	ev := &Event{
		Timestamp:    time.Now().UTC(),
		Type:         eventType,
		Organization: a.config.Organization,
		Payload:      payload,
	}

	a.mu.Lock()
	a.buffer = append(a.buffer, ev)
	shouldFlush := len(a.buffer) >= a.config.BufferSize
	a.mu.Unlock()

	a.mirror(ev)

	if shouldFlush {
		if err := a.Flush(); err != nil {
			a.logger.Error("audit flush failed", zap.Error(err))
		}
	}
}

// mirror forwards the event to the hub. Failures are swallowed: the audit
// trail is the durable record, the mirror is advisory.
func (a *Auditor) mirror(ev *Event) {
	if a.hub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("audit mirror panicked", zap.Any("panic", r))
		}
	}()
	hubEvent := events.New("audit."+ev.Type, "")
	hubEvent.Actor = ev.Organization
	hubEvent.Changes = ev.Payload
	a.hub.Emit(hubEvent)
}

// Flush appends all buffered events to the durable log, preserving append
// order.
func (a *Auditor) Flush() error {
	a.mu.Lock()
	pending := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	f, err := os.OpenFile(a.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Put the events back so nothing is lost.
		a.mu.Lock()
		a.buffer = append(pending, a.buffer...)
		a.mu.Unlock()
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, ev := range pending {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
	}
	return w.Flush()
}

// Close flushes any buffered events.
func (a *Auditor) Close() error {
	return a.Flush()
}

// Trail flushes, then returns all durable events matching every filter.
// Filter keys match top-level fields (event_type, organization) or nested
// payload keys; values compare as strings.
func (a *Auditor) Trail(filters map[string]string) ([]*Event, error) {
	if err := a.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(a.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			a.logger.Warn("skipping malformed audit line", zap.Error(err))
			continue
		}
		if matchesFilters(&ev, filters) {
			out = append(out, &ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

func matchesFilters(ev *Event, filters map[string]string) bool {
	for key, want := range filters {
		var got string
		switch key {
		case "event_type":
			got = ev.Type
		case "organization":
			got = ev.Organization
		default:
			v, ok := ev.Payload[key]
			if !ok {
				return false
			}
			got = fmt.Sprint(v)
		}
		if got != want {
			return false
		}
	}
	return true
}

// ComplianceReport aggregates the audit trail for one organization.
type ComplianceReport struct {
	Organization     string         `json:"organization"`
	TotalEvents      int            `json:"total_events"`
	ByEventType      map[string]int `json:"by_event_type"`
	ByProvider       map[string]int `json:"by_provider"`
	ByPolicyViolated map[string]int `json:"by_policy_violated"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// ComplianceReport builds the aggregate view of the trail.
func (a *Auditor) ComplianceReport() (*ComplianceReport, error) {
	trail, err := a.Trail(nil)
	if err != nil {
		return nil, err
	}

	report := &ComplianceReport{
		Organization:     a.config.Organization,
		ByEventType:      make(map[string]int),
		ByProvider:       make(map[string]int),
		ByPolicyViolated: make(map[string]int),
		GeneratedAt:      time.Now().UTC(),
	}
	for _, ev := range trail {
		report.TotalEvents++
		report.ByEventType[ev.Type]++
		if provider, ok := ev.Payload["provider"].(string); ok && provider != "" {
			report.ByProvider[provider]++
		}
		if violated, ok := ev.Payload["policy_violated"].(string); ok && violated != "" {
			report.ByPolicyViolated[violated]++
		}
	}
	return report, nil
}

var _ policy.Auditor = (*Auditor)(nil)
