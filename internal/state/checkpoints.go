package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
)

// backupLabelPrefix marks the automatic checkpoint taken before a restore.
const backupLabelPrefix = "pre-restore-"

// CreateCheckpoint snapshots the project row plus every artifact and task
// under it, persists the snapshot, and enforces FIFO retention.
func (m *Manager) CreateCheckpoint(ctx context.Context, projectID, label string) (*model.Checkpoint, error) {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	artifacts, err := m.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	tasks, err := m.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	cp := &model.Checkpoint{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Label:     label,
		Snapshot: &model.Snapshot{
			Project:   project,
			Artifacts: artifacts,
			Tasks:     tasks,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	if err := m.enforceRetention(ctx, projectID); err != nil {
		return nil, err
	}

	ev := events.New("checkpoint.created", projectID)
	ev.ResourceID = cp.ID
	ev.ResourceType = "checkpoint"
	ev.Metadata = map[string]string{"label": label}
	m.emit(ev)

	m.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("project_id", projectID),
		zap.String("label", label))
	return cp, nil
}

// enforceRetention prunes the oldest checkpoints until the count equals the
// configured limit.
func (m *Manager) enforceRetention(ctx context.Context, projectID string) error {
	list, err := m.store.ListCheckpoints(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for len(list) > m.config.CheckpointRetention {
		oldest := list[0]
		if err := m.store.DeleteCheckpoint(ctx, oldest.ID); err != nil {
			return fmt.Errorf("prune checkpoint %s: %w", oldest.ID, err)
		}
		list = list[1:]
	}
	return nil
}

// RestoreCheckpoint rewinds a project to a snapshot. An automatic backup
// checkpoint is taken first so the pre-restore state is never lost; the
// project's artifact and task sets are then replaced to exactly match the
// snapshot, and project-level fields are merged (metadata clears if the
// snapshot had none). Returns the restored state freshly loaded.
func (m *Manager) RestoreCheckpoint(ctx context.Context, checkpointID string) (*model.Snapshot, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &CheckpointNotFoundError{ID: checkpointID}
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Snapshot == nil || cp.Snapshot.Project == nil {
		return nil, fmt.Errorf("checkpoint %s has no snapshot", checkpointID)
	}
	projectID := cp.ProjectID

	backupLabel := backupLabelPrefix + time.Now().UTC().Format(time.RFC3339)
	if _, err := m.CreateCheckpoint(ctx, projectID, backupLabel); err != nil {
		return nil, fmt.Errorf("pre-restore backup: %w", err)
	}

	// Replace artifacts to exactly match the snapshot.
	current, err := m.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	wantArtifacts := make(map[string]bool, len(cp.Snapshot.Artifacts))
	for _, a := range cp.Snapshot.Artifacts {
		wantArtifacts[a.ID] = true
	}
	for _, a := range current {
		if !wantArtifacts[a.ID] {
			if err := m.store.DeleteArtifact(ctx, a.ID); err != nil {
				return nil, fmt.Errorf("remove artifact %s: %w", a.ID, err)
			}
		}
	}
	for _, a := range cp.Snapshot.Artifacts {
		if err := m.store.SaveArtifact(ctx, a); err != nil {
			return nil, fmt.Errorf("restore artifact %s: %w", a.ID, err)
		}
	}

	// Replace tasks the same way.
	currentTasks, err := m.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	wantTasks := make(map[string]bool, len(cp.Snapshot.Tasks))
	for _, t := range cp.Snapshot.Tasks {
		wantTasks[t.ID] = true
	}
	for _, t := range currentTasks {
		if !wantTasks[t.ID] {
			if err := m.store.DeleteTask(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("remove task %s: %w", t.ID, err)
			}
		}
	}
	for _, t := range cp.Snapshot.Tasks {
		if err := m.store.SaveTask(ctx, t); err != nil {
			return nil, fmt.Errorf("restore task %s: %w", t.ID, err)
		}
	}

	// Merge project-level fields from the snapshot.
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snap := cp.Snapshot.Project
	project.Name = snap.Name
	project.Description = snap.Description
	project.OwnerID = snap.OwnerID
	project.Status = snap.Status
	project.Metadata = snap.Metadata
	project.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}

	restoredArtifacts, err := m.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	restoredTasks, err := m.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	ev := events.New("checkpoint.restored", projectID)
	ev.ResourceID = checkpointID
	ev.ResourceType = "checkpoint"
	m.emit(ev)

	return &model.Snapshot{
		Project:   project,
		Artifacts: restoredArtifacts,
		Tasks:     restoredTasks,
	}, nil
}

// ListCheckpoints returns a project's checkpoints, oldest first.
func (m *Manager) ListCheckpoints(ctx context.Context, projectID string) ([]*model.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, projectID)
}
