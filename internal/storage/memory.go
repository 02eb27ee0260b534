package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
)

// Memory is an in-process Backend backed by maps. It deep-copies rows on
// the way in and out so callers never share mutable state with the store.
type Memory struct {
	mu          sync.RWMutex
	projects    map[string]*model.Project
	artifacts   map[string]*model.Artifact
	tasks       map[string]*model.Task
	conflicts   map[string]*model.Conflict
	checkpoints map[string]*model.Checkpoint
	seq         int64
	cpOrder     map[string]int64 // checkpoint id -> insertion sequence
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		projects:    make(map[string]*model.Project),
		artifacts:   make(map[string]*model.Artifact),
		tasks:       make(map[string]*model.Task),
		conflicts:   make(map[string]*model.Conflict),
		checkpoints: make(map[string]*model.Checkpoint),
		cpOrder:     make(map[string]int64),
	}
}

func clone[T any](in *T) *T {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		panic("storage: unclonable row: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic("storage: unclonable row: " + err.Error())
	}
	return out
}

func (m *Memory) CreateProject(_ context.Context, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = clone(p)
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) UpdateProject(_ context.Context, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return ErrNotFound
	}
	m.projects[p.ID] = clone(p)
	return nil
}

func (m *Memory) ListProjects(_ context.Context) ([]*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveArtifact(_ context.Context, a *model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = clone(a)
	return nil
}

// attachConflicts replaces the artifact's conflict list with the stored
// conflict rows so resolution updates are visible on reload.
func (m *Memory) attachConflicts(a *model.Artifact) {
	var list []*model.Conflict
	for _, c := range m.conflicts {
		if c.ArtifactID == a.ID {
			list = append(list, clone(c))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if list != nil {
		a.Conflicts = list
	}
}

func (m *Memory) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(a)
	m.attachConflicts(out)
	return out, nil
}

func (m *Memory) ListArtifacts(_ context.Context, projectID string) ([]*model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Artifact
	for _, a := range m.artifacts {
		if a.ProjectID == projectID {
			c := clone(a)
			m.attachConflicts(c)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteArtifact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[id]; !ok {
		return ErrNotFound
	}
	delete(m.artifacts, id)
	return nil
}

func (m *Memory) SaveTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) ListTasks(_ context.Context, projectID string) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) SaveConflict(_ context.Context, c *model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = clone(c)
	return nil
}

func (m *Memory) GetConflict(_ context.Context, id string) (*model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Memory) ListConflicts(_ context.Context, projectID string) ([]*model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Conflict
	for _, c := range m.conflicts {
		if c.ProjectID == projectID {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.checkpoints[cp.ID] = clone(cp)
	m.cpOrder[cp.ID] = m.seq
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, id string) (*model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cp), nil
}

func (m *Memory) ListCheckpoints(_ context.Context, projectID string) ([]*model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.ProjectID == projectID {
			out = append(out, clone(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.cpOrder[out[i].ID] < m.cpOrder[out[j].ID] })
	return out, nil
}

func (m *Memory) DeleteCheckpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[id]; !ok {
		return ErrNotFound
	}
	delete(m.checkpoints, id)
	delete(m.cpOrder, id)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Backend = (*Memory)(nil)
