package models

import (
	"time"

	"github.com/google/uuid"
)

type CollaborationFile struct {
	ID        uuid.UUID `json:"id"`
	GroupID   uuid.UUID `json:"group_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	CreatedBy uuid.UUID `json:"created_by"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileChange is the payload of a file-* broadcast. Receivers treat it as an
// invalidation signal and re-read the file.
type FileChange struct {
	FileID  uuid.UUID `json:"file_id"`
	GroupID uuid.UUID `json:"group_id"`
	Version int       `json:"version"`
	Actor   uuid.UUID `json:"actor"`
}
