// Package storage provides durable CRUD for projects, artifacts, tasks,
// conflicts, and checkpoints.
//
// Backend is the contract every store must satisfy. The reference
// implementation is an embedded SQLite database; Memory is an in-process
// store used by tests and single-shot tools. All mutation flows through the
// state manager, so backends only need row-level transactional guarantees.
package storage

import (
	"context"
	"errors"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Backend is the durable store consumed by the engine.
type Backend interface {
	// Projects.
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	ListProjects(ctx context.Context) ([]*model.Project, error)

	// Artifacts. Save is an upsert; Get and List populate attached
	// conflicts so IsBlocked is meaningful on loaded rows.
	SaveArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, projectID string) ([]*model.Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error

	// Tasks.
	SaveTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*model.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Conflicts are append-then-update rows; they are never deleted.
	SaveConflict(ctx context.Context, c *model.Conflict) error
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, projectID string) ([]*model.Conflict, error)

	// Checkpoints. List returns rows ordered oldest first so FIFO
	// retention can prune from the front.
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, projectID string) ([]*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}
