package models

import (
	"time"

	"github.com/google/uuid"
)

type ParticipantStatus string

const (
	StatusOnline ParticipantStatus = "online"
	StatusIdle   ParticipantStatus = "idle"
	StatusTyping ParticipantStatus = "typing"
)

func (s ParticipantStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusTyping:
		return true
	}
	return false
}

type Participant struct {
	UserID        uuid.UUID         `json:"user_id"`
	DisplayName   string            `json:"display_name"`
	Color         string            `json:"color"`
	Status        ParticipantStatus `json:"status"`
	LastActivity  time.Time         `json:"last_activity"`
	CurrentFileID *uuid.UUID        `json:"current_file_id,omitempty"`
}

// NewParticipant builds an online participant with its palette color.
func NewParticipant(userID uuid.UUID, displayName string, now time.Time) Participant {
	return Participant{
		UserID:       userID,
		DisplayName:  displayName,
		Color:        ColorFor(userID),
		Status:       StatusOnline,
		LastActivity: now,
	}
}

// ActivityUpdate is the payload of user-activity-updated.
type ActivityUpdate struct {
	UserID        uuid.UUID         `json:"user_id"`
	Status        ParticipantStatus `json:"status"`
	LastActivity  time.Time         `json:"last_activity"`
	CurrentFileID *uuid.UUID        `json:"current_file_id,omitempty"`
}

// UserLeft is the payload of user-left.
type UserLeft struct {
	UserID uuid.UUID `json:"user_id"`
}
