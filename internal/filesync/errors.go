package filesync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("file not found")
	ErrDuplicatePath    = errors.New("a file with this path already exists in the group")
	ErrVersionConflict  = errors.New("version conflict: file has been modified")
	ErrNoFieldsToUpdate = errors.New("no fields to update")
	ErrInvalidFile      = errors.New("invalid file")
)

// VersionConflictError reports a rejected compare-and-swap. It matches
// ErrVersionConflict with errors.Is.
type VersionConflictError struct {
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}
