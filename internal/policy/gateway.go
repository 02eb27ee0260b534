// Package policy implements the write-policy gateway: sensitivity
// classification, provider routing, vetoes, and the audit hooks for every
// decision.
package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/terramentis-ai/terraqore-studio-sub002/internal/policy"

// Auditor receives every routing decision and veto. Implemented by the
// compliance auditor.
type Auditor interface {
	LogRoutingDecision(ctx context.Context, payload map[string]any)
	LogVetoEvent(ctx context.Context, veto *VetoReason, eventContext map[string]any)
}

// Gateway classifies work and enforces the active routing policy.
type Gateway interface {
	// Classify computes the sensitivity of a task from its traits.
	Classify(agentName, taskType string, isSecurityTask, hasSensitiveData bool) Sensitivity

	// Enforce checks whether provider may service the task under the
	// active policy. A denial is audited and returned as a VetoReason;
	// an approval is audited as a routing decision. Enforce is a pure
	// policy lookup: provider availability never gates it.
	Enforce(ctx context.Context, agentName, taskType, provider string, hasSensitiveData bool) (bool, *VetoReason)

	// RecommendProvider returns the first available provider permitted
	// for the sensitivity, falling back to the policy's gateway provider.
	RecommendProvider(ctx context.Context, s Sensitivity) string

	// RegisterProviderStatus records availability and latency for a
	// provider. Consulted by recommendation only.
	RegisterProviderStatus(provider string, available bool, latencyMS float64)

	// ApproveWrite adjudicates an artifact write from its metadata
	// (agent_name, task_type, llm_provider, has_sensitive_data). A denial
	// is returned as *VetoError.
	ApproveWrite(ctx context.Context, metadata map[string]string) error

	// SetPolicy swaps the active routing policy.
	SetPolicy(p *RoutingPolicy)

	// Policy returns the active routing policy.
	Policy() *RoutingPolicy
}

// providerStatus is the in-memory availability record for one provider.
type providerStatus struct {
	Available bool
	LatencyMS float64
	UpdatedAt time.Time
}

// securityTaskTypes mark a task as security work for classification.
var securityTaskTypes = map[string]bool{
	"security":           true,
	"security_audit":     true,
	"security_review":    true,
	"vulnerability_scan": true,
}

// internalTaskTypes are governance/planning work, classified INTERNAL.
var internalTaskTypes = map[string]bool{
	"governance": true,
	"planning":   true,
}

type gateway struct {
	logger  *zap.Logger
	auditor Auditor

	mu        sync.RWMutex
	policy    *RoutingPolicy
	providers map[string]providerStatus

	vetoCounter     metric.Int64Counter
	decisionCounter metric.Int64Counter
}

// NewGateway creates a policy gateway with the given routing policy.
func NewGateway(p *RoutingPolicy, auditor Auditor, logger *zap.Logger) (Gateway, error) {
	if p == nil {
		return nil, errors.New("routing policy is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &gateway{
		logger:    logger,
		auditor:   auditor,
		policy:    p,
		providers: make(map[string]providerStatus),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	g.vetoCounter, err = meter.Int64Counter(
		"studio.policy.vetoes_total",
		metric.WithDescription("Total vetoed writes"),
		metric.WithUnit("{veto}"),
	)
	if err != nil {
		logger.Warn("failed to create veto counter", zap.Error(err))
	}
	g.decisionCounter, err = meter.Int64Counter(
		"studio.policy.routing_decisions_total",
		metric.WithDescription("Total routing decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create decision counter", zap.Error(err))
	}

	return g, nil
}

func (g *gateway) SetPolicy(p *RoutingPolicy) {
	if p == nil {
		return
	}
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	g.logger.Info("routing policy updated", zap.String("policy", p.Name))
}

func (g *gateway) Policy() *RoutingPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Classify applies the rule ladder in order: security work with sensitive
// data is critical, security work alone is sensitive, validator agents and
// governance/planning tasks are internal, everything else is public.
func (g *gateway) Classify(agentName, taskType string, isSecurityTask, hasSensitiveData bool) Sensitivity {
	switch {
	case isSecurityTask && hasSensitiveData:
		return SensitivityCritical
	case isSecurityTask:
		return SensitivitySensitive
	case strings.Contains(strings.ToLower(agentName), "validator") || internalTaskTypes[taskType]:
		return SensitivityInternal
	default:
		return SensitivityPublic
	}
}

func (g *gateway) Enforce(ctx context.Context, agentName, taskType, provider string, hasSensitiveData bool) (bool, *VetoReason) {
	sensitivity := g.Classify(agentName, taskType, securityTaskTypes[taskType], hasSensitiveData)

	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()

	if !policy.Permits(sensitivity, provider) {
		veto := &VetoReason{
			Reason:         "provider " + provider + " is not permitted for " + string(sensitivity) + " work",
			PolicyViolated: policy.Name,
			Severity:       string(sensitivity),
			Details: map[string]any{
				"agent_name":  agentName,
				"task_type":   taskType,
				"provider":    provider,
				"sensitivity": string(sensitivity),
			},
		}
		if g.vetoCounter != nil {
			g.vetoCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("policy", policy.Name),
				attribute.String("sensitivity", string(sensitivity))))
		}
		g.auditor.LogVetoEvent(ctx, veto, map[string]any{
			"agent_name": agentName,
			"task_type":  taskType,
		})
		g.logger.Warn("write vetoed",
			zap.String("policy", policy.Name),
			zap.String("provider", provider),
			zap.String("sensitivity", string(sensitivity)))
		return false, veto
	}

	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy", policy.Name),
			attribute.String("provider", provider)))
	}
	g.auditor.LogRoutingDecision(ctx, map[string]any{
		"decision":    "allow",
		"policy":      policy.Name,
		"agent_name":  agentName,
		"task_type":   taskType,
		"provider":    provider,
		"sensitivity": string(sensitivity),
	})
	return true, nil
}

func (g *gateway) RecommendProvider(ctx context.Context, s Sensitivity) string {
	g.mu.RLock()
	policy := g.policy
	candidates := policy.Allow[s]
	var chosen string
	for _, provider := range candidates {
		if st, ok := g.providers[provider]; ok && st.Available {
			chosen = provider
			break
		}
	}
	fallback := policy.GatewayProvider
	g.mu.RUnlock()

	if chosen == "" {
		chosen = fallback
	}
	g.auditor.LogRoutingDecision(ctx, map[string]any{
		"decision":    "auto_recommendation",
		"policy":      policy.Name,
		"provider":    chosen,
		"sensitivity": string(s),
	})
	return chosen
}

func (g *gateway) RegisterProviderStatus(provider string, available bool, latencyMS float64) {
	g.mu.Lock()
	g.providers[provider] = providerStatus{
		Available: available,
		LatencyMS: latencyMS,
		UpdatedAt: time.Now().UTC(),
	}
	g.mu.Unlock()
}

func (g *gateway) ApproveWrite(ctx context.Context, metadata map[string]string) error {
	agentName := metadata["agent_name"]
	taskType := metadata["task_type"]
	provider := metadata["llm_provider"]
	hasSensitive := metadata["has_sensitive_data"] == "true"

	allowed, veto := g.Enforce(ctx, agentName, taskType, provider, hasSensitive)
	if !allowed {
		return &VetoError{Veto: veto}
	}
	return nil
}
