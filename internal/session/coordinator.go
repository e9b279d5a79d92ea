// Package session ties presence, cursors and durable files together for one
// editing session. A Coordinator is built per user per session and owns the
// lifetime of everything it starts.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dimitrije/nikode-collab/internal/clock"
	"github.com/dimitrije/nikode-collab/internal/cursor"
	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/dimitrije/nikode-collab/internal/presence"
	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotJoined       = errors.New("session not joined")
)

// Notice names the piece of session state that changed.
type Notice string

const (
	NoticeParticipants Notice = "participants"
	NoticeCursors      Notice = "cursors"
	NoticeTyping       Notice = "typing"
	NoticeFiles        Notice = "files"
)

// Listener receives change notices. It is called from transport and timer
// goroutines and must not block.
type Listener func(Notice)

type Config struct {
	Transport   transport.Transport
	Files       *filesync.Service
	Clock       clock.Clock
	Logger      logrus.FieldLogger
	UserID      uuid.UUID
	DisplayName string
	SessionID   uuid.UUID
	// GroupID scopes the session's files. Zero means SessionID.
	GroupID  uuid.UUID
	Listener Listener

	HeartbeatInterval time.Duration
	ActivityThrottle  time.Duration
	CursorInterval    time.Duration
	SelectionInterval time.Duration
	TypingTimeout     time.Duration
	CursorStaleAfter  time.Duration
	SweepInterval     time.Duration
}

type Coordinator struct {
	transport transport.Transport
	files     *filesync.Service
	clock     clock.Clock
	log       logrus.FieldLogger
	userID    uuid.UUID
	name      string
	sessionID uuid.UUID
	groupID   uuid.UUID
	listener  Listener

	presence *presence.Manager
	cursors  *cursor.Broadcaster

	// mu serializes join and leave. joined is written under mu and read
	// lock-free so listeners may query it.
	mu               sync.Mutex
	joined           atomic.Bool
	unsubscribeFiles []func()
	stopRefresh      context.CancelFunc
	refreshDone      chan struct{}

	cacheMu sync.RWMutex
	cache   map[uuid.UUID]models.CollaborationFile
	pending map[uuid.UUID]bool
	wake    chan struct{}
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Files == nil {
		return nil, errors.New("session: file service is required")
	}
	if cfg.SessionID == uuid.Nil {
		return nil, errors.New("session: session id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.GroupID == uuid.Nil {
		cfg.GroupID = cfg.SessionID
	}

	c := &Coordinator{
		transport: cfg.Transport,
		files:     cfg.Files,
		clock:     cfg.Clock,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component":  "session",
			"session_id": cfg.SessionID,
			"user_id":    cfg.UserID,
		}),
		userID:    cfg.UserID,
		name:      cfg.DisplayName,
		sessionID: cfg.SessionID,
		groupID:   cfg.GroupID,
		listener:  cfg.Listener,
		cache:     make(map[uuid.UUID]models.CollaborationFile),
		pending:   make(map[uuid.UUID]bool),
		wake:      make(chan struct{}, 1),
	}

	c.presence = presence.NewManager(cfg.Transport, cfg.SessionID, presence.Options{
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ActivityThrottle:  cfg.ActivityThrottle,
		OnChange:          func() { c.notify(NoticeParticipants) },
	})
	c.cursors = cursor.NewBroadcaster(cfg.Transport, cfg.SessionID, cfg.UserID, cursor.Options{
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		CursorInterval:    cfg.CursorInterval,
		SelectionInterval: cfg.SelectionInterval,
		TypingTimeout:     cfg.TypingTimeout,
		StaleAfter:        cfg.CursorStaleAfter,
		SweepInterval:     cfg.SweepInterval,
		OnChange:          c.handleCursorChange,
	})
	return c, nil
}

func (c *Coordinator) SessionID() uuid.UUID { return c.sessionID }
func (c *Coordinator) GroupID() uuid.UUID   { return c.groupID }
func (c *Coordinator) UserID() uuid.UUID    { return c.userID }

// JoinSession registers presence, starts the cursor relay and the file
// change feed, then starts the heartbeat. Joining twice does nothing.
func (c *Coordinator) JoinSession(ctx context.Context) error {
	if c.userID == uuid.Nil {
		return ErrUnauthenticated
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined.Load() {
		return nil
	}

	c.presence.Register(ctx, models.NewParticipant(c.userID, c.name, c.clock.Now()))

	c.cursors.Start()
	c.startFileFeed(ctx)

	c.presence.StartHeartbeat()
	c.joined.Store(true)
	c.log.Info("Session joined")
	return nil
}

// LeaveSession unwinds JoinSession in reverse order. Only the first call
// after a join has any effect.
func (c *Coordinator) LeaveSession(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined.Load() {
		return
	}
	c.joined.Store(false)

	c.presence.StopHeartbeat()
	c.stopFileFeed()
	c.cursors.Stop(ctx)
	c.presence.Leave(ctx)
	c.log.Info("Session left")
}

func (c *Coordinator) Joined() bool {
	return c.joined.Load()
}

func (c *Coordinator) ListParticipants() []models.Participant {
	return c.presence.List()
}

func (c *Coordinator) OnlineCount() int {
	return c.presence.OnlineCount()
}

func (c *Coordinator) ListCursors(fileID uuid.UUID) []models.CursorState {
	return c.cursors.CursorsFor(fileID)
}

func (c *Coordinator) ListTypingUsers(fileID uuid.UUID) []uuid.UUID {
	return c.cursors.TypingUsers(fileID)
}

func (c *Coordinator) ActiveFile() uuid.UUID {
	return c.cursors.ActiveFile()
}

// OpenFile makes fileID the active file for cursors and presence. uuid.Nil
// closes the current file.
func (c *Coordinator) OpenFile(ctx context.Context, fileID uuid.UUID) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	wasTyping := c.cursors.LocalTyping()
	c.cursors.SetActiveFile(ctx, fileID)

	var current *uuid.UUID
	if fileID != uuid.Nil {
		current = &fileID
	}
	c.presence.SetCurrentFile(ctx, current)
	if wasTyping {
		c.restoreOnline(ctx)
	}
	return nil
}

func (c *Coordinator) BroadcastCursor(ctx context.Context, position models.Position, selection *models.Selection) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.cursors.BroadcastCursor(ctx, position, selection)
}

// StartTyping flags typing in the active file and shows the user as typing
// in presence.
func (c *Coordinator) StartTyping(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	if err := c.cursors.StartTyping(ctx); err != nil {
		return err
	}
	if self, ok := c.presence.Get(c.userID); ok && self.Status != models.StatusTyping {
		return c.presence.UpdateStatus(ctx, models.StatusTyping)
	}
	return nil
}

func (c *Coordinator) StopTyping(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	if err := c.cursors.StopTyping(ctx); err != nil {
		return err
	}
	c.restoreOnline(ctx)
	return nil
}

func (c *Coordinator) SetStatus(ctx context.Context, status models.ParticipantStatus) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.presence.UpdateStatus(ctx, status)
}

// Activity records user activity. It reports whether the update was
// broadcast or swallowed by the throttle.
func (c *Coordinator) Activity(ctx context.Context) (bool, error) {
	if err := c.requireJoined(); err != nil {
		return false, err
	}
	return c.presence.UpdateActivity(ctx), nil
}

func (c *Coordinator) CreateFile(ctx context.Context, name, path, language, content string) (*models.CollaborationFile, error) {
	if c.userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	file, err := c.files.Create(ctx, filesync.CreateParams{
		GroupID:   c.groupID,
		Name:      name,
		Path:      path,
		Language:  language,
		Content:   content,
		CreatedBy: c.userID,
	})
	if err != nil {
		return nil, err
	}
	c.storeCached(*file)
	return file, nil
}

func (c *Coordinator) GetFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error) {
	if c.userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	return c.files.Get(ctx, id)
}

func (c *Coordinator) ListFiles(ctx context.Context) ([]models.CollaborationFile, error) {
	if c.userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	return c.files.List(ctx, c.groupID)
}

// UpdateFile applies patch when expectedVersion is still current. A stale
// version fails with *filesync.VersionConflictError and nothing changes.
func (c *Coordinator) UpdateFile(ctx context.Context, id uuid.UUID, patch filesync.Patch, expectedVersion int) (*models.CollaborationFile, error) {
	if c.userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	file, err := c.files.Update(ctx, id, patch, expectedVersion, c.userID)
	if err != nil {
		return nil, err
	}
	c.storeCached(*file)
	return file, nil
}

func (c *Coordinator) RenameFile(ctx context.Context, id uuid.UUID, name, path string) (*models.CollaborationFile, error) {
	if c.userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	file, err := c.files.Rename(ctx, id, name, path, c.userID)
	if err != nil {
		return nil, err
	}
	c.storeCached(*file)
	return file, nil
}

func (c *Coordinator) DeleteFile(ctx context.Context, id uuid.UUID) error {
	if c.userID == uuid.Nil {
		return ErrUnauthenticated
	}
	if err := c.files.Delete(ctx, id, c.userID); err != nil {
		return err
	}
	c.dropCached(id)
	return nil
}

// Files returns the cached file list of the group, ordered by path. The
// cache is filled on join and refreshed from the change feed.
func (c *Coordinator) Files() []models.CollaborationFile {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	result := make([]models.CollaborationFile, 0, len(c.cache))
	for _, f := range c.cache {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

func (c *Coordinator) requireJoined() error {
	if c.userID == uuid.Nil {
		return ErrUnauthenticated
	}
	if !c.Joined() {
		return ErrNotJoined
	}
	return nil
}

func (c *Coordinator) restoreOnline(ctx context.Context) {
	self, ok := c.presence.Get(c.userID)
	if !ok || self.Status != models.StatusTyping {
		return
	}
	if err := c.presence.UpdateStatus(ctx, models.StatusOnline); err != nil {
		c.log.WithError(err).Warn("Failed to restore online status")
	}
}

func (c *Coordinator) handleCursorChange(change cursor.Change) {
	switch change {
	case cursor.ChangeCursors:
		c.notify(NoticeCursors)
	case cursor.ChangeTyping:
		if !c.cursors.LocalTyping() {
			c.restoreOnline(context.Background())
		}
		c.notify(NoticeTyping)
	}
}

func (c *Coordinator) notify(n Notice) {
	if c.listener != nil {
		c.listener(n)
	}
}

// startFileFeed subscribes to the group's change events, then loads its
// files. Changes that land during the load stay pending and are re-read once
// the refresh loop starts. Must be called with c.mu held.
func (c *Coordinator) startFileFeed(ctx context.Context) {
	c.cacheMu.Lock()
	c.cache = make(map[uuid.UUID]models.CollaborationFile)
	c.pending = make(map[uuid.UUID]bool)
	c.cacheMu.Unlock()

	topic := transport.FilesTopic(c.groupID)
	c.unsubscribeFiles = c.unsubscribeFiles[:0]
	for _, event := range transport.FileEvents {
		c.unsubscribeFiles = append(c.unsubscribeFiles, c.transport.Subscribe(topic, event, c.handleFileChange))
	}

	files, err := c.files.List(ctx, c.groupID)
	if err != nil {
		c.log.WithError(err).Warn("Failed to load group files")
	}
	for _, f := range files {
		c.storeCached(f)
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stopRefresh = cancel
	c.refreshDone = make(chan struct{})
	go c.refreshLoop(refreshCtx, c.refreshDone)
	c.notify(NoticeFiles)
}

func (c *Coordinator) stopFileFeed() {
	for _, unsubscribe := range c.unsubscribeFiles {
		unsubscribe()
	}
	c.unsubscribeFiles = nil
	if c.stopRefresh != nil {
		c.stopRefresh()
		<-c.refreshDone
		c.stopRefresh = nil
	}
	c.cacheMu.Lock()
	c.cache = make(map[uuid.UUID]models.CollaborationFile)
	c.pending = make(map[uuid.UUID]bool)
	c.cacheMu.Unlock()
}

// handleFileChange treats a change event as an invalidation of one file.
// The payload is not trusted; the refresh loop re-reads the store.
func (c *Coordinator) handleFileChange(msg transport.Message) {
	var change models.FileChange
	if err := msg.Decode(&change); err != nil {
		c.log.WithError(err).Debug("Ignoring malformed file change")
		return
	}
	if change.GroupID != c.groupID {
		return
	}

	c.cacheMu.Lock()
	c.pending[change.FileID] = c.pending[change.FileID] || msg.Event == transport.EventFileDeleted
	c.cacheMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		c.cacheMu.Lock()
		pending := c.pending
		c.pending = make(map[uuid.UUID]bool)
		c.cacheMu.Unlock()

		changed := false
		for id, deleted := range pending {
			if ctx.Err() != nil {
				return
			}
			if deleted {
				changed = c.dropCached(id) || changed
				continue
			}
			file, err := c.files.Get(ctx, id)
			switch {
			case errors.Is(err, filesync.ErrNotFound):
				changed = c.dropCached(id) || changed
			case err != nil:
				c.log.WithError(err).WithField("file_id", id).Warn("Failed to refresh file")
			default:
				changed = c.storeCached(*file) || changed
			}
		}
		if changed {
			c.notify(NoticeFiles)
		}
	}
}

// storeCached keeps the newest version of a file. Versions only grow, so an
// older read never replaces a newer one.
func (c *Coordinator) storeCached(file models.CollaborationFile) bool {
	if file.GroupID != c.groupID {
		return false
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if current, ok := c.cache[file.ID]; ok && current.Version > file.Version {
		return false
	}
	c.cache[file.ID] = file
	return true
}

func (c *Coordinator) dropCached(id uuid.UUID) bool {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if _, ok := c.cache[id]; !ok {
		return false
	}
	delete(c.cache, id)
	return true
}
