package transport

import (
	"fmt"

	"github.com/google/uuid"
)

// Session topic events.
const (
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventUserActivityUpdated = "user-activity-updated"
	EventCursorMoved         = "cursor-moved"
	EventSelectionMoved      = "selection-moved"
	EventUserTyping          = "user-typing"
)

// Group file topic events.
const (
	EventFileCreated = "file-created"
	EventFileUpdated = "file-updated"
	EventFileDeleted = "file-deleted"
	EventFileRenamed = "file-renamed"
)

// FileEvents lists every change-feed event published on a group topic.
var FileEvents = []string{EventFileCreated, EventFileUpdated, EventFileDeleted, EventFileRenamed}

func SessionTopic(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func FilesTopic(groupID uuid.UUID) string {
	return fmt.Sprintf("files:%s", groupID)
}
