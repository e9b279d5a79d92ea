package dto

import (
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
)

// SessionMessage is a client frame on the session WebSocket.
type SessionMessage struct {
	Action string `json:"action"`

	FileID    string            `json:"file_id,omitempty"`
	Position  *models.Position  `json:"position,omitempty"`
	Selection *models.Selection `json:"selection,omitempty"`
	Status    string            `json:"status,omitempty"`
}

// SessionSnapshot is the full view of a session pushed to a client.
type SessionSnapshot struct {
	SessionID    uuid.UUID            `json:"session_id"`
	ActiveFileID *uuid.UUID           `json:"active_file_id,omitempty"`
	Participants []models.Participant `json:"participants"`
	Cursors      []models.CursorState `json:"cursors"`
	TypingUsers  []uuid.UUID          `json:"typing_users"`
	Files        []FileResponse       `json:"files"`
}
