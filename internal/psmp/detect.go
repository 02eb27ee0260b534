package psmp

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
)

// detect runs every detection rule against the candidate. Rules are never
// short-circuited: one declaration can accumulate several conflicts.
func (e *engine) detect(candidate *model.Artifact, existing []*model.Artifact) []*model.Conflict {
	var conflicts []*model.Conflict

	if c := e.detectVersionMismatch(candidate, existing); c != nil {
		conflicts = append(conflicts, c)
	}
	if c := e.detectParallelCreation(candidate, existing); c != nil {
		conflicts = append(conflicts, c)
	}
	conflicts = append(conflicts, e.detectMissingDependencies(candidate, existing)...)
	if c := e.detectCircularDependency(candidate, existing); c != nil {
		conflicts = append(conflicts, c)
	}
	return conflicts
}

func newConflict(candidate *model.Artifact, ctype model.ConflictType, severity model.ConflictSeverity, description string) *model.Conflict {
	return &model.Conflict{
		ID:          uuid.New().String(),
		ArtifactID:  candidate.ID,
		ProjectID:   candidate.ProjectID,
		Description: description,
		Severity:    severity,
		Type:        ctype,
		CreatedAt:   time.Now().UTC(),
	}
}

// sameIdentity reports whether two artifacts are versions of conceptually
// the same artifact: same project and type, different rows.
func sameIdentity(a, b *model.Artifact) bool {
	return a.ID != b.ID && a.ProjectID == b.ProjectID && a.ArtifactType == b.ArtifactType
}

// detectVersionMismatch flags a candidate whose version is not strictly
// greater than every committed version of the same identity.
func (e *engine) detectVersionMismatch(candidate *model.Artifact, existing []*model.Artifact) *model.Conflict {
	for _, other := range existing {
		if !sameIdentity(candidate, other) {
			continue
		}
		if other.Version >= candidate.Version {
			return newConflict(candidate, model.ConflictVersionMismatch, model.SeverityHigh,
				fmt.Sprintf("artifact %s already holds version %d of type %q, declared version %d is stale",
					other.ID, other.Version, candidate.ArtifactType, candidate.Version))
		}
	}
	return nil
}

// detectParallelCreation flags adjacent versions of the same identity
// produced by different creators: the committed-window approximation of two
// producers racing on the same artifact.
func (e *engine) detectParallelCreation(candidate *model.Artifact, existing []*model.Artifact) *model.Conflict {
	var latest *model.Artifact
	for _, other := range existing {
		if !sameIdentity(candidate, other) {
			continue
		}
		if latest == nil || other.Version > latest.Version {
			latest = other
		}
	}
	if latest == nil || latest.CreatedBy == candidate.CreatedBy {
		return nil
	}
	adjacent := candidate.Version == latest.Version || candidate.Version == latest.Version+1
	if !adjacent {
		return nil
	}
	return newConflict(candidate, model.ConflictParallelCreation, model.SeverityMedium,
		fmt.Sprintf("producers %q and %q created adjacent versions of type %q concurrently",
			latest.CreatedBy, candidate.CreatedBy, candidate.ArtifactType))
}

// detectMissingDependencies flags every depends_on id that does not resolve
// to an artifact in the project. The candidate's own id counts as known so a
// self-edge is reported as circular, not missing.
func (e *engine) detectMissingDependencies(candidate *model.Artifact, existing []*model.Artifact) []*model.Conflict {
	known := map[string]bool{candidate.ID: true}
	for _, other := range existing {
		known[other.ID] = true
	}

	var conflicts []*model.Conflict
	for _, dep := range candidate.DependsOn {
		if !known[dep] {
			conflicts = append(conflicts, newConflict(candidate, model.ConflictMissingDependency, model.SeverityHigh,
				fmt.Sprintf("dependency %s does not exist in project %s", dep, candidate.ProjectID)))
		}
	}
	return conflicts
}

// detectCircularDependency walks depends_on edges from the candidate
// (including the edges being added) and flags any path back to the
// candidate's own id.
func (e *engine) detectCircularDependency(candidate *model.Artifact, existing []*model.Artifact) *model.Conflict {
	edges := make(map[string][]string, len(existing)+1)
	for _, other := range existing {
		edges[other.ID] = other.DependsOn
	}
	edges[candidate.ID] = candidate.DependsOn

	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, candidate.DependsOn...)

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == candidate.ID {
			return newConflict(candidate, model.ConflictCircularDependency, model.SeverityCritical,
				fmt.Sprintf("dependency chain of artifact %s cycles back to itself", candidate.ID))
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		stack = append(stack, edges[node]...)
	}
	return nil
}
