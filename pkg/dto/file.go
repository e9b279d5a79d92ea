package dto

import (
	"time"

	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
)

type CreateFileRequest struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

type UpdateFileRequest struct {
	Content  *string `json:"content,omitempty"`
	Language *string `json:"language,omitempty"`
	Version  int     `json:"version"`
}

type RenameFileRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type FileResponse struct {
	ID        uuid.UUID `json:"id"`
	GroupID   uuid.UUID `json:"group_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	CreatedBy uuid.UUID `json:"created_by"`
	Version   int       `json:"version"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

type VersionConflictResponse struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ExpectedVersion int    `json:"expected_version"`
	CurrentVersion  int    `json:"current_version"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewFileResponse(f *models.CollaborationFile) FileResponse {
	return FileResponse{
		ID:        f.ID,
		GroupID:   f.GroupID,
		Name:      f.Name,
		Path:      f.Path,
		Content:   f.Content,
		Language:  f.Language,
		CreatedBy: f.CreatedBy,
		Version:   f.Version,
		CreatedAt: f.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: f.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
