// Package events provides the in-process event hub: producers on any
// goroutine emit lifecycle events, a single consumer loop fans them out to
// pattern-filtered subscribers, and every event is mirrored best-effort to
// NATS for network-facing consumers.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades an event for consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the wire form consumed by the transport layer. Type is a dotted
// category.verb string, e.g. "artifact.declared".
type Event struct {
	ID           string            `json:"event_id"`
	Type         string            `json:"event_type"`
	Timestamp    time.Time         `json:"timestamp"`
	ResourceID   string            `json:"resource_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ProjectID    string            `json:"project_id,omitempty"`
	Actor        string            `json:"actor,omitempty"`
	Changes      map[string]any    `json:"changes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Severity     Severity          `json:"severity"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType, projectID string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		Severity:  SeverityInfo,
	}
}

// MatchPattern reports whether eventType matches a subscription pattern:
// "*" matches everything, "category.*" matches the category, anything else
// is an exact match.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if category, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, category+".")
	}
	return pattern == eventType
}
