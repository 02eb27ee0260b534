// Package sensitivity detects secrets inside artifact payloads so the
// policy gateway can classify work correctly even when a producer omits the
// has_sensitive_data hint.
package sensitivity

import (
	"encoding/json"
	"fmt"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID      string // gitleaks rule id, e.g. "github-pat"
	Description string
	Line        int
}

// Scanner inspects content for embedded secrets.
type Scanner interface {
	// Scan returns every secret found in content.
	Scan(content string) []Finding

	// ScanPayload scans the JSON form of an artifact data payload.
	ScanPayload(payload map[string]any) []Finding

	// HasSensitiveData reports whether the payload contains any secret.
	HasSensitiveData(payload map[string]any) bool
}

type scanner struct {
	detector *detect.Detector
	logger   *zap.Logger
}

// New creates a Scanner backed by the default gitleaks ruleset.
func New(logger *zap.Logger) (Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	return &scanner{detector: detector, logger: logger}, nil
}

func (s *scanner) Scan(content string) []Finding {
	raw := s.detector.DetectString(content)
	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		out = append(out, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
	}
	return out
}

func (s *scanner) ScanPayload(payload map[string]any) []Finding {
	if len(payload) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("unscannable payload", zap.Error(err))
		return nil
	}
	return s.Scan(string(raw))
}

func (s *scanner) HasSensitiveData(payload map[string]any) bool {
	return len(s.ScanPayload(payload)) > 0
}

// Disabled is a Scanner that never reports findings; used when scanning is
// turned off in config.
type Disabled struct{}

func (Disabled) Scan(string) []Finding                { return nil }
func (Disabled) ScanPayload(map[string]any) []Finding { return nil }
func (Disabled) HasSensitiveData(map[string]any) bool { return false }

var _ Scanner = Disabled{}
