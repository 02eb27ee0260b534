package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/policy"
)

func newTestAuditor(t *testing.T, hub Emitter) (*Auditor, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := New(&Config{Dir: dir, Organization: "acme", BufferSize: 3}, hub, zap.NewNop())
	require.NoError(t, err)
	return a, dir
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, zap.NewNop())
	require.Error(t, err)

	_, err = New(&Config{Dir: t.TempDir()}, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organization is required")
}

func TestBufferFlushesAtCapacity(t *testing.T) {
	a, dir := newTestAuditor(t, nil)
	ctx := context.Background()
	path := filepath.Join(dir, "acme.jsonl")

	a.LogRoutingDecision(ctx, map[string]any{"provider": "openai"})
	a.LogRoutingDecision(ctx, map[string]any{"provider": "openai"})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "log should not exist before the buffer fills")

	// Third event hits BufferSize=3 and triggers the flush.
	a.LogRoutingDecision(ctx, map[string]any{"provider": "local-ollama"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 3)
	// Append order is preserved.
	assert.Equal(t, "openai", lines[0].Payload["provider"])
	assert.Equal(t, "local-ollama", lines[2].Payload["provider"])
	assert.Equal(t, "acme", lines[0].Organization)
}

func TestTrailFlushesFirstAndFilters(t *testing.T) {
	a, _ := newTestAuditor(t, nil)
	ctx := context.Background()

	a.LogRoutingDecision(ctx, map[string]any{"provider": "openai", "policy": "local-provider-first"})
	a.LogVetoEvent(ctx, &policy.VetoReason{
		Reason:         "provider not permitted",
		PolicyViolated: "compliance-local-only",
		Severity:       "sensitive",
	}, map[string]any{"agent_name": "agent-a"})

	// Buffered events must be visible without an explicit flush.
	trail, err := a.Trail(nil)
	require.NoError(t, err)
	require.Len(t, trail, 2)

	vetoes, err := a.Trail(map[string]string{"event_type": EventVeto})
	require.NoError(t, err)
	require.Len(t, vetoes, 1)
	assert.Equal(t, "compliance-local-only", vetoes[0].Payload["policy_violated"])
	assert.Equal(t, "agent-a", vetoes[0].Payload["context_agent_name"])

	// Payload-level filter.
	byProvider, err := a.Trail(map[string]string{"provider": "openai"})
	require.NoError(t, err)
	require.Len(t, byProvider, 1)

	none, err := a.Trail(map[string]string{"provider": "anthropic"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestComplianceReport(t *testing.T) {
	a, _ := newTestAuditor(t, nil)
	ctx := context.Background()

	a.LogRoutingDecision(ctx, map[string]any{"provider": "openai"})
	a.LogRoutingDecision(ctx, map[string]any{"provider": "openai"})
	a.LogRoutingDecision(ctx, map[string]any{"provider": "local-ollama"})
	a.LogVetoEvent(ctx, &policy.VetoReason{PolicyViolated: "compliance-local-only"}, nil)

	report, err := a.ComplianceReport()
	require.NoError(t, err)
	assert.Equal(t, 4, report.TotalEvents)
	assert.Equal(t, 3, report.ByEventType[EventRoutingDecision])
	assert.Equal(t, 1, report.ByEventType[EventVeto])
	assert.Equal(t, 2, report.ByProvider["openai"])
	assert.Equal(t, 1, report.ByProvider["local-ollama"])
	assert.Equal(t, 1, report.ByPolicyViolated["compliance-local-only"])
}

func TestEventsMirroredToHub(t *testing.T) {
	hub := events.NewHub(zap.NewNop())
	sub := hub.Subscribe([]string{"audit.*"}, "")
	defer hub.Unsubscribe(sub.ID)

	a, _ := newTestAuditor(t, hub)
	a.LogRoutingDecision(context.Background(), map[string]any{"provider": "openai"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, "audit.routing_decision", ev.Type)
	default:
		t.Fatal("expected mirrored audit event")
	}
}

func TestTrailOnEmptyLog(t *testing.T) {
	a, _ := newTestAuditor(t, nil)
	trail, err := a.Trail(nil)
	require.NoError(t, err)
	assert.Empty(t, trail)
	require.NoError(t, a.Close())
}
