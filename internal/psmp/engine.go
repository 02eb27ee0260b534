// Package psmp implements the artifact declaration protocol: version
// assignment, conflict detection, blocking reports, and conflict resolution.
//
// Declare is the authoritative gate for artifact writes. Every declaration
// re-evaluates all detection rules; a single artifact can carry several
// simultaneous conflicts. On detection the artifact is persisted blocked,
// the conflicts are persisted, and a *ConflictError carrying the list is
// returned.
package psmp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
)

const instrumentationName = "github.com/terramentis-ai/terraqore-studio-sub002/internal/psmp"

// Engine is the conflict-detection and versioning protocol.
type Engine interface {
	// NewArtifact builds an unpersisted artifact with the next version for
	// its (project, type) identity: max existing version + 1, defaulting
	// to 1.
	NewArtifact(ctx context.Context, projectID, artifactType string, data map[string]any, createdBy string, dependsOn []string) (*model.Artifact, error)

	// Declare validates the project, recomputes all detectable conflicts,
	// and persists the artifact. On conflict the artifact is persisted
	// blocked, conflicts are stored, and a *ConflictError is returned.
	Declare(ctx context.Context, artifact *model.Artifact) (*model.Artifact, error)

	// BlockingReport collects every blocked artifact in the project and
	// the union of their unresolved conflicts.
	BlockingReport(ctx context.Context, projectID string) (*Report, error)

	// ResolveConflict marks the conflict resolved with the given strategy
	// and persists it. Dependent artifacts are not re-validated; a
	// re-declaration is required to re-check the graph.
	ResolveConflict(ctx context.Context, conflict *model.Conflict, strategy model.ResolutionStrategy) (*model.Conflict, error)
}

// Report summarizes everything currently blocking a project.
type Report struct {
	ProjectID   string            `json:"project_id"`
	BlockedIDs  []string          `json:"blocked_artifact_ids"`
	Conflicts   []*model.Conflict `json:"unresolved_conflicts"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Config tunes detection behavior.
type Config struct {
	// StrictParallelCheck reserves stricter parallel-creation detection
	// that would also consider in-flight declarations. The single-writer
	// model makes those unobservable, so only the committed-row rule is
	// active today.
	StrictParallelCheck bool
}

type engine struct {
	config Config
	store  storage.Backend
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	declareCounter  metric.Int64Counter
	conflictCounter metric.Int64Counter
}

// NewEngine creates the PSMP engine over the given backend.
func NewEngine(cfg Config, store storage.Backend, logger *zap.Logger) (Engine, error) {
	if store == nil {
		return nil, errors.New("storage backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &engine{
		config: cfg,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *engine) initMetrics() {
	var err error
	e.declareCounter, err = e.meter.Int64Counter(
		"studio.psmp.declarations_total",
		metric.WithDescription("Total artifact declarations"),
		metric.WithUnit("{declaration}"),
	)
	if err != nil {
		e.logger.Warn("failed to create declaration counter", zap.Error(err))
	}
	e.conflictCounter, err = e.meter.Int64Counter(
		"studio.psmp.conflicts_total",
		metric.WithDescription("Total conflicts detected, by type"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		e.logger.Warn("failed to create conflict counter", zap.Error(err))
	}
}

func (e *engine) NewArtifact(ctx context.Context, projectID, artifactType string, data map[string]any, createdBy string, dependsOn []string) (*model.Artifact, error) {
	existing, err := e.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	version := 1
	for _, a := range existing {
		if a.ArtifactType == artifactType && a.Version >= version {
			version = a.Version + 1
		}
	}

	return &model.Artifact{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		ArtifactType: artifactType,
		Version:      version,
		Data:         data,
		CreatedBy:    createdBy,
		DependsOn:    dependsOn,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (e *engine) Declare(ctx context.Context, artifact *model.Artifact) (*model.Artifact, error) {
	ctx, span := e.tracer.Start(ctx, "psmp.Declare",
		trace.WithAttributes(
			attribute.String("artifact.id", artifact.ID),
			attribute.String("artifact.type", artifact.ArtifactType),
			attribute.Int("artifact.version", artifact.Version),
		))
	defer span.End()

	if _, err := e.store.GetProject(ctx, artifact.ProjectID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("project %s: %w", artifact.ProjectID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	existing, err := e.store.ListArtifacts(ctx, artifact.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	conflicts := e.detect(artifact, existing)

	if e.declareCounter != nil {
		e.declareCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("blocked", len(conflicts) > 0)))
	}

	if len(conflicts) > 0 {
		for _, c := range conflicts {
			if e.conflictCounter != nil {
				e.conflictCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("conflict.type", string(c.Type))))
			}
		}
		artifact.Conflicts = append(artifact.Conflicts, conflicts...)
		artifact.AddProvenance("blocked", artifact.CreatedBy,
			fmt.Sprintf("%d conflict(s) detected", len(conflicts)))

		if err := e.store.SaveArtifact(ctx, artifact); err != nil {
			return nil, fmt.Errorf("persist blocked artifact: %w", err)
		}
		for _, c := range conflicts {
			if err := e.store.SaveConflict(ctx, c); err != nil {
				return nil, fmt.Errorf("persist conflict: %w", err)
			}
		}

		e.logger.Warn("artifact declaration blocked",
			zap.String("artifact_id", artifact.ID),
			zap.String("project_id", artifact.ProjectID),
			zap.Int("conflicts", len(conflicts)))
		return nil, &ConflictError{Artifact: artifact, Conflicts: conflicts}
	}

	artifact.AddProvenance("declared", artifact.CreatedBy, "")
	if err := e.store.SaveArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	e.logger.Debug("artifact declared",
		zap.String("artifact_id", artifact.ID),
		zap.String("project_id", artifact.ProjectID),
		zap.Int("version", artifact.Version))
	return artifact, nil
}

func (e *engine) BlockingReport(ctx context.Context, projectID string) (*Report, error) {
	artifacts, err := e.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	report := &Report{
		ProjectID:   projectID,
		GeneratedAt: time.Now().UTC(),
	}
	for _, a := range artifacts {
		if !a.IsBlocked() {
			continue
		}
		report.BlockedIDs = append(report.BlockedIDs, a.ID)
		report.Conflicts = append(report.Conflicts, a.UnresolvedConflicts()...)
	}
	return report, nil
}

func (e *engine) ResolveConflict(ctx context.Context, conflict *model.Conflict, strategy model.ResolutionStrategy) (*model.Conflict, error) {
	now := time.Now().UTC()
	conflict.Resolved = true
	conflict.ResolutionStrategy = strategy
	conflict.ResolvedAt = &now

	if err := e.store.SaveConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("persist resolution: %w", err)
	}

	artifact, err := e.store.GetArtifact(ctx, conflict.ArtifactID)
	if err == nil {
		artifact.AddProvenance("conflict_resolved", "", string(strategy))
		if err := e.store.SaveArtifact(ctx, artifact); err != nil {
			return nil, fmt.Errorf("persist artifact history: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	e.logger.Info("conflict resolved",
		zap.String("conflict_id", conflict.ID),
		zap.String("conflict_type", string(conflict.Type)),
		zap.String("strategy", string(strategy)))
	return conflict, nil
}
