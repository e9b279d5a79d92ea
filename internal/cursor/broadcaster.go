// Package cursor relays ephemeral editing state between participants of a
// session: cursor positions, selections and typing flags. Nothing here is
// persisted and every send is best-effort.
package cursor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dimitrije/nikode-collab/internal/clock"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCursorInterval    = 50 * time.Millisecond
	DefaultSelectionInterval = 100 * time.Millisecond
	DefaultTypingTimeout     = 2 * time.Second
	DefaultTypingResend      = time.Second
	DefaultStaleAfter        = 10 * time.Second
	DefaultSweepInterval     = 5 * time.Second
)

var (
	ErrNotStarted   = errors.New("broadcaster not started")
	ErrNoActiveFile = errors.New("no active file")
)

type Change int

const (
	ChangeCursors Change = iota + 1
	ChangeTyping
)

type Options struct {
	Clock             clock.Clock
	Logger            logrus.FieldLogger
	CursorInterval    time.Duration
	SelectionInterval time.Duration
	TypingTimeout     time.Duration
	TypingResend      time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	// OnChange runs without the broadcaster's lock held.
	OnChange func(Change)
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.CursorInterval <= 0 {
		o.CursorInterval = DefaultCursorInterval
	}
	if o.SelectionInterval <= 0 {
		o.SelectionInterval = DefaultSelectionInterval
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.TypingResend <= 0 {
		o.TypingResend = DefaultTypingResend
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
}

type typingEntry struct {
	fileID uuid.UUID
	timer  *clock.Timer
	gen    uint64
}

type Broadcaster struct {
	transport transport.Transport
	clock     clock.Clock
	log       logrus.FieldLogger
	topic     string
	userID    uuid.UUID
	opts      Options

	cursorThrottle    *Throttle
	selectionThrottle *Throttle

	mu             sync.Mutex
	started        bool
	activeFile     uuid.UUID
	cursors        map[uuid.UUID]models.CursorState
	typing         map[uuid.UUID]typingEntry
	typingGen      uint64
	localTyping    bool
	lastTypingSent time.Time
	autoStop       *clock.Timer
	autoStopGen    uint64
	sweepTimer     *clock.Timer
	sweepGen       uint64
	unsubscribers  []func()
}

func NewBroadcaster(t transport.Transport, sessionID, userID uuid.UUID, opts Options) *Broadcaster {
	opts.setDefaults()
	return &Broadcaster{
		transport:         t,
		clock:             opts.Clock,
		log:               opts.Logger.WithFields(logrus.Fields{"component": "cursor", "session_id": sessionID, "user_id": userID}),
		topic:             transport.SessionTopic(sessionID),
		userID:            userID,
		opts:              opts,
		cursorThrottle:    NewThrottle(opts.Clock, opts.CursorInterval),
		selectionThrottle: NewThrottle(opts.Clock, opts.SelectionInterval),
		cursors:           make(map[uuid.UUID]models.CursorState),
		typing:            make(map[uuid.UUID]typingEntry),
	}
}

// Start subscribes to the session's cursor, selection, typing and leave
// broadcasts and begins the stale cursor sweep.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.scheduleSweepLocked()
	b.mu.Unlock()

	unsubscribers := []func(){
		b.transport.Subscribe(b.topic, transport.EventCursorMoved, b.handleCursor),
		b.transport.Subscribe(b.topic, transport.EventSelectionMoved, b.handleCursor),
		b.transport.Subscribe(b.topic, transport.EventUserTyping, b.handleTyping),
		b.transport.Subscribe(b.topic, transport.EventUserLeft, b.handleLeft),
	}

	b.mu.Lock()
	b.unsubscribers = unsubscribers
	b.mu.Unlock()
}

// Stop cancels every timer the broadcaster owns, unsubscribes and clears
// remote state. A local typing flag is withdrawn with a final broadcast.
func (b *Broadcaster) Stop(ctx context.Context) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false

	b.sweepGen++
	if b.sweepTimer != nil {
		b.sweepTimer.Stop()
		b.sweepTimer = nil
	}
	for userID, entry := range b.typing {
		entry.timer.Stop()
		delete(b.typing, userID)
	}
	wasTyping, fileID := b.clearLocalTypingLocked()
	b.cursors = make(map[uuid.UUID]models.CursorState)
	unsubscribers := b.unsubscribers
	b.unsubscribers = nil
	b.mu.Unlock()

	b.cursorThrottle.Cancel()
	b.selectionThrottle.Cancel()
	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	if wasTyping {
		b.send(ctx, transport.EventUserTyping, models.TypingUpdate{UserID: b.userID, FileID: fileID})
	}
}

// SetActiveFile switches the file the local user is viewing. Remote cursors
// belong to the previous file and are dropped. Local typing stops.
func (b *Broadcaster) SetActiveFile(ctx context.Context, fileID uuid.UUID) {
	b.mu.Lock()
	if b.activeFile == fileID {
		b.mu.Unlock()
		return
	}
	wasTyping, previous := b.clearLocalTypingLocked()
	b.activeFile = fileID
	hadCursors := len(b.cursors) > 0
	b.cursors = make(map[uuid.UUID]models.CursorState)
	b.mu.Unlock()

	b.cursorThrottle.Cancel()
	b.selectionThrottle.Cancel()
	if wasTyping {
		b.send(ctx, transport.EventUserTyping, models.TypingUpdate{UserID: b.userID, FileID: previous})
	}
	if hadCursors {
		b.notify(ChangeCursors)
	}
}

func (b *Broadcaster) ActiveFile() uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeFile
}

// BroadcastCursor publishes the local pointer for the active file. Cursor
// and selection updates are throttled independently; a burst inside a
// window collapses to its last call. Send failures are logged, not returned.
func (b *Broadcaster) BroadcastCursor(ctx context.Context, position models.Position, selection *models.Selection) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.activeFile == uuid.Nil {
		b.mu.Unlock()
		return ErrNoActiveFile
	}
	update := models.CursorUpdate{
		UserID:   b.userID,
		FileID:   b.activeFile,
		Position: position,
	}
	if selection != nil {
		sel := *selection
		update.Selection = &sel
	}
	b.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	b.cursorThrottle.Do(func() {
		b.send(ctx, transport.EventCursorMoved, update)
	})
	if update.Selection != nil {
		b.selectionThrottle.Do(func() {
			b.send(ctx, transport.EventSelectionMoved, update)
		})
	}
	return nil
}

// StartTyping flags the local user as typing in the active file. Repeated
// calls refresh the flag but re-broadcast at most once per resend interval.
// The flag clears itself after the typing timeout without another call.
func (b *Broadcaster) StartTyping(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.activeFile == uuid.Nil {
		b.mu.Unlock()
		return ErrNoActiveFile
	}
	now := b.clock.Now()
	shouldSend := !b.localTyping || now.Sub(b.lastTypingSent) >= b.opts.TypingResend
	b.localTyping = true
	if shouldSend {
		b.lastTypingSent = now
	}
	if b.autoStop != nil {
		b.autoStop.Stop()
	}
	b.autoStopGen++
	gen := b.autoStopGen
	b.autoStop = b.clock.AfterFunc(b.opts.TypingTimeout, func() { b.expireLocalTyping(gen) })
	fileID := b.activeFile
	b.mu.Unlock()

	if shouldSend {
		b.send(ctx, transport.EventUserTyping, models.TypingUpdate{UserID: b.userID, FileID: fileID, IsTyping: true})
	}
	return nil
}

// StopTyping clears the local typing flag. It broadcasts only when the flag
// was set.
func (b *Broadcaster) StopTyping(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	wasTyping, fileID := b.clearLocalTypingLocked()
	b.mu.Unlock()

	if wasTyping {
		b.send(ctx, transport.EventUserTyping, models.TypingUpdate{UserID: b.userID, FileID: fileID})
	}
	return nil
}

func (b *Broadcaster) LocalTyping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localTyping
}

// Cursors returns every remote cursor for the active file.
func (b *Broadcaster) Cursors() []models.CursorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]models.CursorState, 0, len(b.cursors))
	for _, c := range b.cursors {
		result = append(result, c)
	}
	sortCursors(result)
	return result
}

// CursorsFor returns the remote cursors for fileID. Only the active file
// ever holds cursors.
func (b *Broadcaster) CursorsFor(fileID uuid.UUID) []models.CursorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]models.CursorState, 0)
	for _, c := range b.cursors {
		if c.FileID == fileID {
			result = append(result, c)
		}
	}
	sortCursors(result)
	return result
}

func (b *Broadcaster) TypingUsers(fileID uuid.UUID) []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]uuid.UUID, 0)
	for userID, entry := range b.typing {
		if entry.fileID == fileID {
			result = append(result, userID)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result
}

func sortCursors(cursors []models.CursorState) {
	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].UserID.String() < cursors[j].UserID.String()
	})
}

func (b *Broadcaster) clearLocalTypingLocked() (bool, uuid.UUID) {
	b.autoStopGen++
	if b.autoStop != nil {
		b.autoStop.Stop()
		b.autoStop = nil
	}
	wasTyping := b.localTyping
	b.localTyping = false
	b.lastTypingSent = time.Time{}
	return wasTyping, b.activeFile
}

func (b *Broadcaster) expireLocalTyping(gen uint64) {
	b.mu.Lock()
	if gen != b.autoStopGen || !b.localTyping {
		b.mu.Unlock()
		return
	}
	b.autoStop = nil
	b.localTyping = false
	b.lastTypingSent = time.Time{}
	fileID := b.activeFile
	b.mu.Unlock()

	b.send(context.Background(), transport.EventUserTyping, models.TypingUpdate{UserID: b.userID, FileID: fileID})
	b.notify(ChangeTyping)
}

func (b *Broadcaster) scheduleSweepLocked() {
	b.sweepGen++
	gen := b.sweepGen
	b.sweepTimer = b.clock.AfterFunc(b.opts.SweepInterval, func() { b.sweep(gen) })
}

func (b *Broadcaster) sweep(gen uint64) {
	b.mu.Lock()
	if !b.started || gen != b.sweepGen {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	removed := 0
	for userID, c := range b.cursors {
		if now.Sub(c.LastUpdate) > b.opts.StaleAfter {
			delete(b.cursors, userID)
			removed++
		}
	}
	b.scheduleSweepLocked()
	b.mu.Unlock()

	if removed > 0 {
		b.log.WithField("removed", removed).Debug("Swept stale cursors")
		b.notify(ChangeCursors)
	}
}

func (b *Broadcaster) send(ctx context.Context, event string, payload any) {
	if err := b.transport.Send(ctx, b.topic, event, payload); err != nil {
		b.log.WithError(err).WithField("event", event).Debug("Dropped ephemeral broadcast")
	}
}

func (b *Broadcaster) notify(change Change) {
	if b.opts.OnChange != nil {
		b.opts.OnChange(change)
	}
}

func (b *Broadcaster) handleCursor(msg transport.Message) {
	var update models.CursorUpdate
	if err := msg.Decode(&update); err != nil {
		b.log.WithError(err).Debug("Ignoring malformed cursor update")
		return
	}

	b.mu.Lock()
	if !b.started || update.UserID == b.userID || update.UserID == uuid.Nil ||
		b.activeFile == uuid.Nil || update.FileID != b.activeFile {
		b.mu.Unlock()
		return
	}
	b.cursors[update.UserID] = models.CursorState{
		UserID:     update.UserID,
		FileID:     update.FileID,
		Position:   update.Position,
		Selection:  update.Selection,
		LastUpdate: b.clock.Now(),
	}
	b.mu.Unlock()

	b.notify(ChangeCursors)
}

func (b *Broadcaster) handleTyping(msg transport.Message) {
	var update models.TypingUpdate
	if err := msg.Decode(&update); err != nil {
		b.log.WithError(err).Debug("Ignoring malformed typing update")
		return
	}

	b.mu.Lock()
	if !b.started || update.UserID == b.userID || update.UserID == uuid.Nil {
		b.mu.Unlock()
		return
	}
	entry, exists := b.typing[update.UserID]
	if exists {
		entry.timer.Stop()
		delete(b.typing, update.UserID)
	}
	if update.IsTyping {
		b.typingGen++
		gen := b.typingGen
		userID := update.UserID
		b.typing[userID] = typingEntry{
			fileID: update.FileID,
			gen:    gen,
			timer:  b.clock.AfterFunc(b.opts.TypingTimeout, func() { b.expireTyping(userID, gen) }),
		}
	} else if !exists {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.notify(ChangeTyping)
}

func (b *Broadcaster) expireTyping(userID uuid.UUID, gen uint64) {
	b.mu.Lock()
	entry, ok := b.typing[userID]
	if !ok || entry.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.typing, userID)
	b.mu.Unlock()

	b.notify(ChangeTyping)
}

func (b *Broadcaster) handleLeft(msg transport.Message) {
	var left models.UserLeft
	if err := msg.Decode(&left); err != nil {
		return
	}

	b.mu.Lock()
	_, hadCursor := b.cursors[left.UserID]
	delete(b.cursors, left.UserID)
	entry, wasTyping := b.typing[left.UserID]
	if wasTyping {
		entry.timer.Stop()
		delete(b.typing, left.UserID)
	}
	b.mu.Unlock()

	if hadCursor {
		b.notify(ChangeCursors)
	}
	if wasTyping {
		b.notify(ChangeTyping)
	}
}
