package psmp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
)

func newTestEngine(t *testing.T) (Engine, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	eng, err := NewEngine(Config{}, store, zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.CreateProject(context.Background(), &model.Project{
		ID: "demo", Name: "Demo", Status: model.ProjectInProgress,
		CreatedAt: now, UpdatedAt: now,
	}))
	return eng, store
}

func declare(t *testing.T, eng Engine, projectID, artifactType, createdBy string, deps ...string) *model.Artifact {
	t.Helper()
	ctx := context.Background()
	art, err := eng.NewArtifact(ctx, projectID, artifactType, map[string]any{"body": "x"}, createdBy, deps)
	require.NoError(t, err)
	declared, err := eng.Declare(ctx, art)
	require.NoError(t, err)
	return declared
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(Config{}, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage backend is required")
}

func TestNewArtifact_AssignsNextVersionPerIdentity(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first := declare(t, eng, "demo", "spec", "agent-a")
	assert.Equal(t, 1, first.Version)

	second, err := eng.NewArtifact(ctx, "demo", "spec", nil, "agent-a", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	// A different type starts its own version sequence.
	other, err := eng.NewArtifact(ctx, "demo", "plan", nil, "agent-a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)
}

func TestDeclare_UnknownProject(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	art := &model.Artifact{ID: "a1", ProjectID: "nope", ArtifactType: "spec", Version: 1, CreatedBy: "agent-a", CreatedAt: time.Now().UTC()}
	_, err := eng.Declare(ctx, art)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeclare_VersionMismatch(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	declare(t, eng, "demo", "spec", "agent-a")

	// Same identity, same version, same creator: stale write.
	stale := &model.Artifact{
		ID: "stale", ProjectID: "demo", ArtifactType: "spec", Version: 1,
		CreatedBy: "agent-a", CreatedAt: time.Now().UTC(),
	}
	_, err := eng.Declare(ctx, stale)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Len(t, conflictErr.Conflicts, 1)
	assert.Equal(t, model.ConflictVersionMismatch, conflictErr.Conflicts[0].Type)

	// The artifact was persisted blocked alongside its conflict rows.
	assert.True(t, conflictErr.Artifact.IsBlocked())
}

func TestDeclare_ParallelCreation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	declare(t, eng, "demo", "spec", "agent-a")

	// Next sequential version from a different producer.
	racing := &model.Artifact{
		ID: "racing", ProjectID: "demo", ArtifactType: "spec", Version: 2,
		CreatedBy: "agent-b", CreatedAt: time.Now().UTC(),
	}
	_, err := eng.Declare(ctx, racing)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Len(t, conflictErr.Conflicts, 1)
	assert.Equal(t, model.ConflictParallelCreation, conflictErr.Conflicts[0].Type)
}

func TestDeclare_MissingDependency(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	art, err := eng.NewArtifact(ctx, "demo", "spec", nil, "agent-a", []string{"ghost-1", "ghost-2"})
	require.NoError(t, err)
	_, err = eng.Declare(ctx, art)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Len(t, conflictErr.Conflicts, 2)
	for _, c := range conflictErr.Conflicts {
		assert.Equal(t, model.ConflictMissingDependency, c.Type)
	}
}

func TestDeclare_CircularDependency(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	t.Run("self edge", func(t *testing.T) {
		art, err := eng.NewArtifact(ctx, "demo", "loop", nil, "agent-a", nil)
		require.NoError(t, err)
		art.DependsOn = []string{art.ID}

		_, err = eng.Declare(ctx, art)
		var conflictErr *ConflictError
		require.ErrorAs(t, err, &conflictErr)
		require.Len(t, conflictErr.Conflicts, 1)
		assert.Equal(t, model.ConflictCircularDependency, conflictErr.Conflicts[0].Type)
	})

	t.Run("two node cycle", func(t *testing.T) {
		a := declare(t, eng, "demo", "alpha", "agent-a")

		b, err := eng.NewArtifact(ctx, "demo", "beta", nil, "agent-a", []string{a.ID})
		require.NoError(t, err)
		declaredB, err := eng.Declare(ctx, b)
		require.NoError(t, err)

		// Re-declare alpha v2 pointing back at beta: closes the cycle
		// alpha -> beta -> alpha.
		a2, err := eng.NewArtifact(ctx, "demo", "alpha", nil, "agent-a", []string{declaredB.ID})
		require.NoError(t, err)
		a2.ID = a.ID // same node, new edges

		_, err = eng.Declare(ctx, a2)
		var conflictErr *ConflictError
		require.ErrorAs(t, err, &conflictErr)
		found := false
		for _, c := range conflictErr.Conflicts {
			if c.Type == model.ConflictCircularDependency {
				found = true
			}
		}
		assert.True(t, found, "expected a circular_dependency conflict, got %v", conflictErr.Conflicts)
	})
}

func TestDeclare_AccumulatesMultipleConflicts(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	declare(t, eng, "demo", "spec", "agent-a")

	// Same version, different creator, and a missing dependency: three
	// rules fire on a single declaration.
	art := &model.Artifact{
		ID: "multi", ProjectID: "demo", ArtifactType: "spec", Version: 1,
		CreatedBy: "agent-b", DependsOn: []string{"ghost"},
		CreatedAt: time.Now().UTC(),
	}
	_, err := eng.Declare(ctx, art)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)

	types := map[model.ConflictType]bool{}
	for _, c := range conflictErr.Conflicts {
		types[c.Type] = true
	}
	assert.True(t, types[model.ConflictVersionMismatch])
	assert.True(t, types[model.ConflictParallelCreation])
	assert.True(t, types[model.ConflictMissingDependency])
}

func TestBlockingReportAndResolve(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// Scenario: agent-a declares spec v1; agent-b races the same version.
	declare(t, eng, "demo", "spec", "agent-a")
	racing := &model.Artifact{
		ID: "racing", ProjectID: "demo", ArtifactType: "spec", Version: 2,
		CreatedBy: "agent-b", CreatedAt: time.Now().UTC(),
	}
	_, err := eng.Declare(ctx, racing)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)

	report, err := eng.BlockingReport(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"racing"}, report.BlockedIDs)
	require.Len(t, report.Conflicts, 1)
	assert.False(t, report.GeneratedAt.IsZero())

	// Resolving the last conflict flips the blocked state without any
	// re-declaration.
	_, err = eng.ResolveConflict(ctx, report.Conflicts[0], model.ResolveOverride)
	require.NoError(t, err)

	report, err = eng.BlockingReport(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, report.BlockedIDs)
	assert.Empty(t, report.Conflicts)
}

func TestResolveConflict_SetsStrategyAndTimestamp(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	c := &model.Conflict{
		ID: "c1", ArtifactID: "a1", ProjectID: "demo",
		Description: "test", Severity: model.SeverityLow,
		Type: model.ConflictGeneric, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveConflict(ctx, c))

	resolved, err := eng.ResolveConflict(ctx, c, model.ResolveEscalate)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, model.ResolveEscalate, resolved.ResolutionStrategy)
	require.NotNil(t, resolved.ResolvedAt)

	stored, err := store.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, stored.Resolved)
}

func TestResolveConflict_RecordsArtifactHistory(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	a, err := eng.NewArtifact(ctx, "demo", "code", map[string]any{"x": 1}, "agent-a", nil)
	require.NoError(t, err)
	_, err = eng.Declare(ctx, a)
	require.NoError(t, err)

	c := &model.Conflict{
		ID: "c1", ArtifactID: a.ID, ProjectID: "demo",
		Description: "test", Severity: model.SeverityLow,
		Type: model.ConflictGeneric, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveConflict(ctx, c))

	_, err = eng.ResolveConflict(ctx, c, model.ResolveOverride)
	require.NoError(t, err)

	stored, err := store.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.Provenance)
	last := stored.Provenance[len(stored.Provenance)-1]
	assert.Equal(t, "conflict_resolved", last.Action)
	assert.Equal(t, string(model.ResolveOverride), last.Detail)
}

func TestConflictError_Message(t *testing.T) {
	err := &ConflictError{
		Artifact: &model.Artifact{ID: "a1"},
		Conflicts: []*model.Conflict{
			{Type: model.ConflictVersionMismatch},
			{Type: model.ConflictMissingDependency},
		},
	}
	assert.Contains(t, err.Error(), "a1")
	assert.Contains(t, err.Error(), "version_mismatch")
	assert.Contains(t, err.Error(), "missing_dependency")

	var target *ConflictError
	assert.True(t, errors.As(error(err), &target))
}
