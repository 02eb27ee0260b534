package state

import "fmt"

// CheckpointNotFoundError is returned by Restore when the checkpoint id
// does not exist. The call has no side effects in that case.
type CheckpointNotFoundError struct {
	ID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("state: checkpoint %s not found", e.ID)
}
