package models

import (
	"time"

	"github.com/google/uuid"
)

type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}

type CursorState struct {
	UserID     uuid.UUID  `json:"user_id"`
	FileID     uuid.UUID  `json:"file_id"`
	Position   Position   `json:"position"`
	Selection  *Selection `json:"selection,omitempty"`
	LastUpdate time.Time  `json:"last_update"`
}

// CursorUpdate is the payload of cursor-moved and selection-moved.
type CursorUpdate struct {
	UserID    uuid.UUID  `json:"user_id"`
	FileID    uuid.UUID  `json:"file_id"`
	Position  Position   `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// TypingUpdate is the payload of user-typing.
type TypingUpdate struct {
	UserID   uuid.UUID `json:"user_id"`
	FileID   uuid.UUID `json:"file_id"`
	IsTyping bool      `json:"is_typing"`
}

type TypingUser struct {
	UserID uuid.UUID `json:"user_id"`
	FileID uuid.UUID `json:"file_id"`
}
