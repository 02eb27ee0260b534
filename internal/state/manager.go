// Package state implements the single mutation entry point for projects,
// artifacts, and tasks, plus checkpoint/restore.
//
// Every artifact write runs the same fixed pipeline: policy approval first
// (a veto persists nothing), then PSMP declaration (a conflict persists the
// artifact blocked plus its conflict rows), then the result is returned.
// Collaborators are injected at construction as small capability interfaces
// so the manager depends only on abstractions.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
)

const instrumentationName = "github.com/terramentis-ai/terraqore-studio-sub002/internal/state"

// ArtifactDeclarer is the PSMP capability the manager consumes.
type ArtifactDeclarer interface {
	NewArtifact(ctx context.Context, projectID, artifactType string, data map[string]any, createdBy string, dependsOn []string) (*model.Artifact, error)
	Declare(ctx context.Context, artifact *model.Artifact) (*model.Artifact, error)
}

// WritePolicyEnforcer adjudicates artifact writes from their metadata.
type WritePolicyEnforcer interface {
	ApproveWrite(ctx context.Context, metadata map[string]string) error
}

// SecretScanner detects sensitive data in artifact payloads.
type SecretScanner interface {
	HasSensitiveData(payload map[string]any) bool
}

// EventEmitter broadcasts lifecycle events. Satisfied by *events.Hub.
type EventEmitter interface {
	Emit(ev *events.Event)
}

// Config tunes the manager.
type Config struct {
	// CheckpointRetention caps checkpoints per project; the oldest are
	// pruned FIFO beyond this. Default 10.
	CheckpointRetention int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{CheckpointRetention: 10}
}

// Options carries the optional collaborators.
type Options struct {
	Declarer ArtifactDeclarer
	Enforcer WritePolicyEnforcer
	Scanner  SecretScanner
	Hub      EventEmitter
}

// Manager owns all project/artifact/task mutation.
type Manager struct {
	config   Config
	store    storage.Backend
	declarer ArtifactDeclarer
	enforcer WritePolicyEnforcer
	scanner  SecretScanner
	hub      EventEmitter
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewManager creates a state manager over the backend. Collaborators in
// opts may be nil: without a declarer artifacts persist unchecked, without
// an enforcer no policy gate applies.
func NewManager(cfg Config, store storage.Backend, opts Options, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("storage backend is required")
	}
	if cfg.CheckpointRetention <= 0 {
		cfg.CheckpointRetention = DefaultConfig().CheckpointRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:   cfg,
		store:    store,
		declarer: opts.Declarer,
		enforcer: opts.Enforcer,
		scanner:  opts.Scanner,
		hub:      opts.Hub,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

func (m *Manager) emit(ev *events.Event) {
	if m.hub != nil {
		m.hub.Emit(ev)
	}
}

// CreateProject registers a new workspace in the initialized state.
func (m *Manager) CreateProject(ctx context.Context, name, description, ownerID string, metadata map[string]string) (*model.Project, error) {
	now := time.Now().UTC()
	p := &model.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		Status:      model.ProjectInitialized,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	ev := events.New("project.created", p.ID)
	ev.ResourceID = p.ID
	ev.ResourceType = "project"
	ev.Actor = ownerID
	m.emit(ev)
	return p, nil
}

// GetProject loads a project row.
func (m *Manager) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return m.store.GetProject(ctx, id)
}

// SetProjectStatus applies a caller-driven status transition. The blocked
// status is owned by the system and cannot be set here.
func (m *Manager) SetProjectStatus(ctx context.Context, id string, status model.ProjectStatus) (*model.Project, error) {
	if status == model.ProjectBlocked {
		return nil, errors.New("state: blocked status is system-managed")
	}
	p, err := m.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}

	ev := events.New("project.status_changed", p.ID)
	ev.ResourceID = p.ID
	ev.ResourceType = "project"
	ev.Changes = map[string]any{"status": string(status)}
	m.emit(ev)
	return p, nil
}

// RefreshProjectStatus recomputes the system-owned blocked status: a
// project with any blocked artifact is blocked; one leaving that state goes
// back to in_progress.
func (m *Manager) RefreshProjectStatus(ctx context.Context, id string) (*model.Project, error) {
	p, err := m.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	artifacts, err := m.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	anyBlocked := false
	for _, a := range artifacts {
		if a.IsBlocked() {
			anyBlocked = true
			break
		}
	}

	switch {
	case anyBlocked && p.Status != model.ProjectBlocked:
		p.Status = model.ProjectBlocked
	case !anyBlocked && p.Status == model.ProjectBlocked:
		p.Status = model.ProjectInProgress
	default:
		return p, nil
	}
	p.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return p, nil
}

// ArtifactWrite describes a requested artifact creation or update. Metadata
// must carry agent_name, task_type, and llm_provider for the policy gate;
// has_sensitive_data is filled in by the secret scanner when absent.
type ArtifactWrite struct {
	ProjectID    string
	ArtifactType string
	Data         map[string]any
	CreatedBy    string
	DependsOn    []string
	Metadata     map[string]string
}

// CreateArtifact runs the full write pipeline: policy approval, version
// assignment, declaration. A *policy.VetoError means nothing was persisted;
// a *psmp.ConflictError means the artifact was persisted blocked.
func (m *Manager) CreateArtifact(ctx context.Context, req ArtifactWrite) (*model.Artifact, error) {
	ctx, span := m.tracer.Start(ctx, "state.CreateArtifact",
		trace.WithAttributes(
			attribute.String("project.id", req.ProjectID),
			attribute.String("artifact.type", req.ArtifactType),
		))
	defer span.End()

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if m.scanner != nil && metadata["has_sensitive_data"] == "" && m.scanner.HasSensitiveData(req.Data) {
		metadata["has_sensitive_data"] = "true"
	}

	if m.enforcer != nil {
		if err := m.enforcer.ApproveWrite(ctx, metadata); err != nil {
			return nil, err
		}
	}

	if m.declarer == nil {
		return nil, errors.New("state: no artifact declarer configured")
	}

	artifact, err := m.declarer.NewArtifact(ctx, req.ProjectID, req.ArtifactType, req.Data, req.CreatedBy, req.DependsOn)
	if err != nil {
		return nil, err
	}
	artifact.Metadata = metadata

	declared, err := m.declarer.Declare(ctx, artifact)
	if err != nil {
		m.emitArtifactEvent("artifact.blocked", artifact, req.CreatedBy)
		return nil, err
	}

	m.emitArtifactEvent("artifact.declared", declared, req.CreatedBy)
	return declared, nil
}

// UpdateArtifact declares the next version of an existing artifact. The new
// version keeps the artifact's type; dependencies default to the prior
// version's unless overridden.
func (m *Manager) UpdateArtifact(ctx context.Context, artifactID string, req ArtifactWrite) (*model.Artifact, error) {
	prior, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	next := req
	next.ProjectID = prior.ProjectID
	next.ArtifactType = prior.ArtifactType
	if next.DependsOn == nil {
		next.DependsOn = prior.DependsOn
	}
	if next.CreatedBy == "" {
		next.CreatedBy = prior.CreatedBy
	}
	return m.CreateArtifact(ctx, next)
}

// GetArtifact loads an artifact with its attached conflicts.
func (m *Manager) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	return m.store.GetArtifact(ctx, id)
}

func (m *Manager) emitArtifactEvent(eventType string, a *model.Artifact, actor string) {
	ev := events.New(eventType, a.ProjectID)
	ev.ResourceID = a.ID
	ev.ResourceType = "artifact"
	ev.Actor = actor
	ev.Changes = map[string]any{
		"artifact_type": a.ArtifactType,
		"version":       a.Version,
	}
	if eventType == "artifact.blocked" {
		ev.Severity = events.SeverityWarning
	}
	m.emit(ev)
}

// TaskWrite describes a requested task creation.
type TaskWrite struct {
	ProjectID  string
	Title      string
	AssignedTo string
	DependsOn  []string
	Metadata   map[string]string
}

// CreateTask registers a pending task in a project.
func (m *Manager) CreateTask(ctx context.Context, req TaskWrite) (*model.Task, error) {
	if _, err := m.store.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task := &model.Task{
		ID:         uuid.New().String(),
		ProjectID:  req.ProjectID,
		Title:      req.Title,
		Status:     model.TaskPending,
		AssignedTo: req.AssignedTo,
		DependsOn:  req.DependsOn,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	ev := events.New("task.created", task.ProjectID)
	ev.ResourceID = task.ID
	ev.ResourceType = "task"
	ev.Actor = req.AssignedTo
	m.emit(ev)
	return task, nil
}

// UpdateTaskStatus applies a task status transition. CompletedAt is stamped
// only on the transition into completed.
func (m *Manager) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) (*model.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if status == model.TaskCompleted && task.Status != model.TaskCompleted {
		task.CompletedAt = &now
	}
	task.Status = status
	task.UpdatedAt = now
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	ev := events.New("task.updated", task.ProjectID)
	ev.ResourceID = task.ID
	ev.ResourceType = "task"
	ev.Changes = map[string]any{"status": string(status)}
	m.emit(ev)
	return task, nil
}
