package filesync

import (
	"context"
	"time"

	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
)

// Patch lists the fields an update changes. Nil fields are left alone.
type Patch struct {
	Content  *string
	Language *string
}

func (p Patch) Empty() bool {
	return p.Content == nil && p.Language == nil
}

// Store is the durable home of collaboration files.
//
// ConditionalUpdateFile must apply the patch and bump the version in one
// atomic compare-and-swap on the version column, returning a
// *VersionConflictError carrying the stored version on mismatch.
type Store interface {
	GetFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error)
	ListFiles(ctx context.Context, groupID uuid.UUID) ([]models.CollaborationFile, error)
	InsertFile(ctx context.Context, file models.CollaborationFile) (*models.CollaborationFile, error)
	ConditionalUpdateFile(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int, updatedAt time.Time) (*models.CollaborationFile, error)
	RenameFile(ctx context.Context, id uuid.UUID, name, path string, updatedAt time.Time) (*models.CollaborationFile, error)
	// DeleteFile removes the file and returns the record as it was.
	DeleteFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error)
}
