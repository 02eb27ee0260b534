// Package model defines the domain entities shared by the governance engine:
// projects, versioned artifacts, tasks, conflicts, and checkpoints.
package model

import (
	"time"
)

// ProjectStatus enumerates the lifecycle states of a project.
type ProjectStatus string

const (
	ProjectInitialized ProjectStatus = "initialized"
	ProjectPlanning    ProjectStatus = "planning"
	ProjectInProgress  ProjectStatus = "in_progress"
	ProjectCompleted   ProjectStatus = "completed"
	ProjectFailed      ProjectStatus = "failed"
	// ProjectBlocked is set by the engine when unresolved conflicts exist;
	// all other transitions are caller-driven.
	ProjectBlocked ProjectStatus = "blocked"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// ConflictType classifies a detected inconsistency.
type ConflictType string

const (
	ConflictVersionMismatch    ConflictType = "version_mismatch"
	ConflictParallelCreation   ConflictType = "parallel_creation"
	ConflictMissingDependency  ConflictType = "missing_dependency"
	ConflictCircularDependency ConflictType = "circular_dependency"
	ConflictGeneric            ConflictType = "generic"
)

// ConflictSeverity grades how disruptive a conflict is.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ResolutionStrategy is how a conflict was (or should be) resolved.
type ResolutionStrategy string

const (
	ResolveRetry    ResolutionStrategy = "retry"
	ResolveOverride ResolutionStrategy = "override"
	ResolveMerge    ResolutionStrategy = "merge"
	ResolveEscalate ResolutionStrategy = "escalate"
)

// Project is a shared workspace containing artifacts and tasks.
// It is owned exclusively by the state manager; nothing else writes it.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Status      ProjectStatus     `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ProvenanceEntry records one action taken on an artifact. The history is
// append-only and carried in artifact metadata.
type ProvenanceEntry struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a versioned unit of work product produced by one agent.
// Version is assigned by the PSMP engine at declaration time, never by the
// caller.
type Artifact struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	ArtifactType string            `json:"artifact_type"`
	Version      int               `json:"version"`
	Data         map[string]any    `json:"data,omitempty"`
	CreatedBy    string            `json:"created_by"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Conflicts    []*Conflict       `json:"conflicts,omitempty"`
	Provenance   []ProvenanceEntry `json:"provenance,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// IsBlocked reports whether the artifact carries at least one unresolved
// conflict. This is the single source of truth for the blocked state.
func (a *Artifact) IsBlocked() bool {
	for _, c := range a.Conflicts {
		if !c.Resolved {
			return true
		}
	}
	return false
}

// UnresolvedConflicts returns the conflicts still blocking this artifact.
func (a *Artifact) UnresolvedConflicts() []*Conflict {
	var out []*Conflict
	for _, c := range a.Conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// AddProvenance appends a history entry stamped with the current time.
func (a *Artifact) AddProvenance(action, actor, detail string) {
	a.Provenance = append(a.Provenance, ProvenanceEntry{
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// Task is a unit of coordination work inside a project.
type Task struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Title       string            `json:"title"`
	Status      TaskStatus        `json:"status"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Conflict is a detected inconsistency blocking an artifact until resolved.
// Conflicts are created by the PSMP engine, mutated only through an explicit
// resolve operation, and never deleted.
type Conflict struct {
	ID                 string             `json:"id"`
	ArtifactID         string             `json:"artifact_id"`
	ProjectID          string             `json:"project_id"`
	Description        string             `json:"description"`
	Severity           ConflictSeverity   `json:"severity"`
	Type               ConflictType       `json:"conflict_type"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy,omitempty"`
	Resolved           bool               `json:"resolved"`
	CreatedAt          time.Time          `json:"created_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
}

// Snapshot is the serialized body of a checkpoint: the project row plus
// every artifact and task under it at the instant the checkpoint was taken.
type Snapshot struct {
	Project   *Project    `json:"project"`
	Artifacts []*Artifact `json:"artifacts"`
	Tasks     []*Task     `json:"tasks"`
}

// Checkpoint is an immutable snapshot of a project. Old checkpoints are
// pruned FIFO by the retention policy.
type Checkpoint struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Label     string    `json:"label"`
	Snapshot  *Snapshot `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
}
