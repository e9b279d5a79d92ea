package handlers

import (
	"context"

	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
)

// FileServiceInterface defines the methods used by handlers from filesync.Service
type FileServiceInterface interface {
	Create(ctx context.Context, params filesync.CreateParams) (*models.CollaborationFile, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error)
	List(ctx context.Context, groupID uuid.UUID) ([]models.CollaborationFile, error)
	Update(ctx context.Context, id uuid.UUID, patch filesync.Patch, expectedVersion int, actor uuid.UUID) (*models.CollaborationFile, error)
	Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID) error
	Rename(ctx context.Context, id uuid.UUID, name, path string, actor uuid.UUID) (*models.CollaborationFile, error)
}

var _ FileServiceInterface = (*filesync.Service)(nil)
