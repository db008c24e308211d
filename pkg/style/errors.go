package style

import (
	"fmt"
)

// InvalidParameterError indicates a locked style parameter outside the
// service-defined bounds. Configuration errors are fatal and never retried.
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// AlreadyLockedError indicates a second lock attempt for a project that
// already holds a locked style. Only an explicit relock replaces a lock.
type AlreadyLockedError struct {
	ProjectID string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("project %s already has a locked style", e.ProjectID)
}

// MissingLockError indicates that no approved locked style record exists
// for the project. Batch submission fails fast on this condition.
type MissingLockError struct {
	ProjectID string
	Reason    string
}

func (e *MissingLockError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no approved locked style for project %s: %s", e.ProjectID, e.Reason)
	}
	return fmt.Sprintf("no approved locked style for project %s", e.ProjectID)
}
