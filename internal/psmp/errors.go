package psmp

import (
	"fmt"
	"strings"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
)

// ConflictError is returned by Declare when one or more conflicts were
// detected. The artifact has already been persisted in blocked state and the
// conflict rows stored; callers inspect Conflicts to decide how to proceed.
//
// This is the only channel by which conflicts propagate: there is no
// silent-partial-success path.
type ConflictError struct {
	Artifact  *model.Artifact
	Conflicts []*model.Conflict
}

func (e *ConflictError) Error() string {
	types := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		types = append(types, string(c.Type))
	}
	return fmt.Sprintf("psmp: %d conflict(s) detected on artifact %s: %s",
		len(e.Conflicts), e.Artifact.ID, strings.Join(types, ", "))
}
