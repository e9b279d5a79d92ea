package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dimitrije/nikode-collab/internal/cursor"
	"github.com/dimitrije/nikode-collab/internal/middleware"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/dimitrije/nikode-collab/internal/session"
	"github.com/dimitrije/nikode-collab/pkg/dto"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/m1z23r/drift/pkg/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sessionPingInterval = 30 * time.Second
	sessionWriteTimeout = 10 * time.Second
	sessionReadTimeout  = 60 * time.Second
	sessionSendBuffer   = 64
)

// SessionHandler serves one collaboration session per WebSocket. Every
// connection gets its own coordinator built from base.
type SessionHandler struct {
	base session.Config
	log  logrus.FieldLogger
}

// NewSessionHandler copies base for each connection, filling in session,
// group, listener and the identity set by middleware.StreamAuth.
func NewSessionHandler(base session.Config, log logrus.FieldLogger) *SessionHandler {
	return &SessionHandler{
		base: base,
		log:  log.WithField("handler", "session"),
	}
}

// sessionConn is the per-connection state shared by the read and write pumps.
type sessionConn struct {
	coord *session.Coordinator
	send  chan any

	mu      sync.Mutex
	pending map[session.Notice]bool
	wake    chan struct{}
}

func (sc *sessionConn) notice(n session.Notice) {
	sc.mu.Lock()
	sc.pending[n] = true
	sc.mu.Unlock()
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

func (sc *sessionConn) drain() []session.Notice {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	notices := make([]session.Notice, 0, len(sc.pending))
	for _, n := range []session.Notice{session.NoticeParticipants, session.NoticeCursors, session.NoticeTyping, session.NoticeFiles} {
		if sc.pending[n] {
			notices = append(notices, n)
		}
	}
	sc.pending = make(map[session.Notice]bool)
	return notices
}

// reply queues a frame for the write pump. Replies are dropped when the
// client stops reading.
func (sc *sessionConn) reply(frame any) {
	select {
	case sc.send <- frame:
	default:
	}
}

func (h *SessionHandler) Connect(c *drift.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		c.BadRequest("invalid session id")
		return
	}

	groupID := uuid.Nil
	if raw := c.QueryParam("group_id"); raw != "" {
		if groupID, err = uuid.Parse(raw); err != nil {
			c.BadRequest("invalid group id")
			return
		}
	}

	sc := &sessionConn{
		send:    make(chan any, sessionSendBuffer),
		pending: make(map[session.Notice]bool),
		wake:    make(chan struct{}, 1),
	}

	cfg := h.base
	cfg.UserID = userID
	cfg.DisplayName = middleware.GetUserName(c)
	cfg.SessionID = sessionID
	cfg.GroupID = groupID
	cfg.Listener = sc.notice
	coord, err := session.NewCoordinator(cfg)
	if err != nil {
		h.log.WithError(err).Error("Failed to create session coordinator")
		c.InternalServerError("failed to open session")
		return
	}
	sc.coord = coord

	conn, err := websocket.Upgrade(c)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	log := h.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID})

	_ = conn.WriteJSON(map[string]string{
		"type":       "connected",
		"session_id": sessionID.String(),
		"group_id":   coord.GroupID().String(),
	})

	done := make(chan struct{})
	writerDone := make(chan struct{})

	// Write pump; the only goroutine writing to conn after the handshake.
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(sessionPingInterval)
		defer ticker.Stop()
		defer func() {
			if err := conn.Close(websocket.CloseNormalClosure, ""); err != nil {
				log.WithError(err).Debug("WebSocket close error")
			}
		}()

		write := func(frame any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			return conn.WriteJSON(frame) == nil
		}

		for {
			select {
			case frame := <-sc.send:
				if !write(frame) {
					return
				}
			case <-sc.wake:
				for _, n := range sc.drain() {
					if !write(h.noticeFrame(coord, n)) {
						return
					}
				}
			case <-ticker.C:
				if err := conn.Ping(nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Read pump (blocks until disconnect)
	func() {
		defer func() {
			coord.LeaveSession(context.Background())
			close(done)
			<-writerDone
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if msgType != websocket.TextMessage {
				continue
			}

			var msg dto.SessionMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				sc.reply(errorFrame("", "invalid message format"))
				continue
			}

			h.dispatch(c.Request.Context(), sc, msg, log)
		}
	}()
}

func (h *SessionHandler) dispatch(ctx context.Context, sc *sessionConn, msg dto.SessionMessage, log logrus.FieldLogger) {
	coord := sc.coord
	// Session state outlives any single frame; only the connection ends it.
	ctx = context.WithoutCancel(ctx)

	var err error
	switch msg.Action {
	case "join":
		err = coord.JoinSession(ctx)
		if err == nil {
			sc.reply(h.snapshotFrame(coord))
		}
	case "leave":
		coord.LeaveSession(ctx)
		sc.reply(map[string]string{"type": "left"})
	case "open_file":
		fileID := uuid.Nil
		if msg.FileID != "" {
			if fileID, err = uuid.Parse(msg.FileID); err != nil {
				sc.reply(errorFrame(msg.Action, "invalid file_id"))
				return
			}
		}
		err = coord.OpenFile(ctx, fileID)
		if err == nil {
			sc.notice(session.NoticeCursors)
			sc.notice(session.NoticeTyping)
		}
	case "cursor":
		if msg.Position == nil {
			sc.reply(errorFrame(msg.Action, "position is required"))
			return
		}
		err = coord.BroadcastCursor(ctx, *msg.Position, msg.Selection)
	case "typing_start":
		err = coord.StartTyping(ctx)
	case "typing_stop":
		err = coord.StopTyping(ctx)
	case "status":
		err = coord.SetStatus(ctx, models.ParticipantStatus(msg.Status))
	case "activity":
		_, err = coord.Activity(ctx)
	case "ping":
		sc.reply(map[string]string{"type": "pong"})
	case "snapshot":
		sc.reply(h.snapshotFrame(coord))
	default:
		sc.reply(errorFrame(msg.Action, "unknown action"))
		return
	}

	if err != nil {
		log.WithError(err).WithField("action", msg.Action).Debug("Session action rejected")
		sc.reply(errorFrame(msg.Action, actionErrorMessage(err)))
	}
}

func (h *SessionHandler) noticeFrame(coord *session.Coordinator, n session.Notice) any {
	active := coord.ActiveFile()
	switch n {
	case session.NoticeParticipants:
		return map[string]any{"type": "participants", "participants": coord.ListParticipants()}
	case session.NoticeCursors:
		return map[string]any{"type": "cursors", "file_id": active, "cursors": coord.ListCursors(active)}
	case session.NoticeTyping:
		return map[string]any{"type": "typing", "file_id": active, "typing_users": coord.ListTypingUsers(active)}
	default:
		return map[string]any{"type": "files", "files": fileResponses(coord.Files())}
	}
}

func (h *SessionHandler) snapshotFrame(coord *session.Coordinator) any {
	snapshot := dto.SessionSnapshot{
		SessionID:    coord.SessionID(),
		Participants: coord.ListParticipants(),
		Cursors:      []models.CursorState{},
		TypingUsers:  []uuid.UUID{},
		Files:        fileResponses(coord.Files()),
	}
	if active := coord.ActiveFile(); active != uuid.Nil {
		snapshot.ActiveFileID = &active
		snapshot.Cursors = coord.ListCursors(active)
		snapshot.TypingUsers = coord.ListTypingUsers(active)
	}
	return map[string]any{"type": "snapshot", "snapshot": snapshot}
}

func fileResponses(files []models.CollaborationFile) []dto.FileResponse {
	response := make([]dto.FileResponse, len(files))
	for i := range files {
		response[i] = dto.NewFileResponse(&files[i])
	}
	return response
}

func errorFrame(action, message string) map[string]string {
	frame := map[string]string{
		"type":    "error",
		"message": message,
	}
	if action != "" {
		frame["ref_action"] = action
	}
	return frame
}

func actionErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotJoined):
		return "join the session first"
	case errors.Is(err, session.ErrUnauthenticated):
		return "not authenticated"
	case errors.Is(err, cursor.ErrNoActiveFile):
		return "open a file first"
	default:
		return err.Error()
	}
}
