package handlers

import (
	"github.com/dimitrije/nikode-collab/internal/middleware"
	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

const eventsBufferSize = 64

// EventsHandler streams a group's file change feed over server-sent events.
type EventsHandler struct {
	transport transport.Transport
	log       logrus.FieldLogger
}

func NewEventsHandler(t transport.Transport, log logrus.FieldLogger) *EventsHandler {
	return &EventsHandler{
		transport: t,
		log:       log.WithField("handler", "events"),
	}
}

func (h *EventsHandler) Stream(c *drift.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	groupID, err := uuid.Parse(c.Param("groupId"))
	if err != nil {
		c.BadRequest("invalid group id")
		return
	}

	sseCtx := c.SSE()

	// Handlers run on the transport's delivery goroutine; a slow client
	// loses events rather than stalling the topic.
	send := make(chan transport.Message, eventsBufferSize)
	topic := transport.FilesTopic(groupID)
	for _, event := range transport.FileEvents {
		unsubscribe := h.transport.Subscribe(topic, event, func(msg transport.Message) {
			select {
			case send <- msg:
			default:
				h.log.WithFields(logrus.Fields{"group_id": groupID, "user_id": userID}).Warn("Dropping file event for slow client")
			}
		})
		defer unsubscribe()
	}

	if err := sseCtx.SendJSON(map[string]string{
		"type":     "connected",
		"group_id": groupID.String(),
	}, "system", ""); err != nil {
		return
	}

	done := c.Request.Context().Done()
	for {
		select {
		case msg := <-send:
			if err := sseCtx.SendJSON(msg.Payload, msg.Event, msg.ID); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
