// Package presence tracks who is active in a collaboration session.
//
// A Manager holds the participant set of one session in memory. Reads never
// leave the process; the set is kept eventually consistent by the
// user-joined, user-left and user-activity-updated broadcasts of the session
// topic plus the transport's own presence callbacks.
package presence

import (
	"context"
	"encoding/json"
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
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultActivityThrottle  = 5 * time.Second
)

var ErrInvalidStatus = errors.New("invalid participant status")

type Options struct {
	Clock             clock.Clock
	Logger            logrus.FieldLogger
	HeartbeatInterval time.Duration
	ActivityThrottle  time.Duration
	// OnChange is called after the participant set or connection flag
	// changes. It runs without the manager's lock held.
	OnChange func()
}

type Manager struct {
	transport transport.Transport
	clock     clock.Clock
	log       logrus.FieldLogger
	topic     string
	heartbeat time.Duration
	throttle  time.Duration
	onChange  func()

	mu             sync.Mutex
	self           models.Participant
	participants   map[uuid.UUID]models.Participant
	registered     bool
	connected      bool
	lastAccepted   time.Time
	heartbeatTimer *clock.Timer
	heartbeatGen   uint64
	unsubscribers  []func()
}

func NewManager(t transport.Transport, sessionID uuid.UUID, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ActivityThrottle <= 0 {
		opts.ActivityThrottle = DefaultActivityThrottle
	}
	return &Manager{
		transport:    t,
		clock:        opts.Clock,
		log:          opts.Logger.WithFields(logrus.Fields{"component": "presence", "session_id": sessionID}),
		topic:        transport.SessionTopic(sessionID),
		heartbeat:    opts.HeartbeatInterval,
		throttle:     opts.ActivityThrottle,
		onChange:     opts.OnChange,
		participants: make(map[uuid.UUID]models.Participant),
	}
}

// Join registers the local participant and starts its heartbeat.
func (m *Manager) Join(ctx context.Context, participant models.Participant) {
	m.Register(ctx, participant)
	m.StartHeartbeat()
}

// Register inserts the local participant, subscribes to the session's
// presence events, seeds the set from the transport and announces the join.
// Registering an already registered manager does nothing.
func (m *Manager) Register(ctx context.Context, participant models.Participant) {
	now := m.clock.Now()
	if participant.Color == "" {
		participant.Color = models.ColorFor(participant.UserID)
	}
	if participant.Status == "" {
		participant.Status = models.StatusOnline
	}
	participant.LastActivity = now

	m.mu.Lock()
	if m.registered {
		m.mu.Unlock()
		return
	}
	m.self = participant
	m.participants = map[uuid.UUID]models.Participant{participant.UserID: participant}
	m.registered = true
	m.connected = m.transport.Connected()
	m.lastAccepted = time.Time{}
	m.mu.Unlock()

	unsubscribers := []func(){
		m.transport.Subscribe(m.topic, transport.EventUserJoined, m.handleJoined),
		m.transport.Subscribe(m.topic, transport.EventUserLeft, m.handleLeft),
		m.transport.Subscribe(m.topic, transport.EventUserActivityUpdated, m.handleActivity),
		m.transport.OnPresence(m.topic, m.handlePresence),
		m.transport.OnConnectionChange(m.handleConnection),
	}
	m.mu.Lock()
	m.unsubscribers = unsubscribers
	m.mu.Unlock()

	m.seed(ctx)
	m.announce(ctx, participant)
	m.log.WithField("user_id", participant.UserID).Info("Joined session")
	m.notify()
}

// StartHeartbeat begins the recurring liveness broadcast. It is a no-op
// before Register or when a heartbeat is already running.
func (m *Manager) StartHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered || m.heartbeatTimer != nil {
		return
	}
	m.scheduleHeartbeatLocked()
}

// StopHeartbeat cancels the heartbeat without leaving. The participant stays
// registered until Leave.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHeartbeatLocked()
}

// Leave stops the heartbeat, withdraws the local participant and clears the
// set. Calling Leave on a manager that is not registered does nothing.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return
	}
	m.registered = false
	m.stopHeartbeatLocked()
	self := m.self
	unsubscribers := m.unsubscribers
	m.unsubscribers = nil
	m.mu.Unlock()

	if err := m.transport.Untrack(ctx, m.topic, self.UserID.String()); err != nil {
		m.log.WithError(err).Warn("Failed to untrack presence")
	}
	m.send(ctx, transport.EventUserLeft, models.UserLeft{UserID: self.UserID})
	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}

	m.mu.Lock()
	m.participants = make(map[uuid.UUID]models.Participant)
	m.mu.Unlock()

	m.log.WithField("user_id", self.UserID).Info("Left session")
	m.notify()
}

// UpdateActivity marks the local participant online and broadcasts the new
// activity time. Calls inside the throttle window are dropped; the return
// value reports whether the call was accepted.
func (m *Manager) UpdateActivity(ctx context.Context) bool {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return false
	}
	if !m.lastAccepted.IsZero() && now.Sub(m.lastAccepted) < m.throttle {
		m.mu.Unlock()
		return false
	}
	m.lastAccepted = now
	m.self.LastActivity = now
	m.self.Status = models.StatusOnline
	update := m.commitSelfLocked()
	m.mu.Unlock()

	m.send(ctx, transport.EventUserActivityUpdated, update)
	m.notify()
	return true
}

// UpdateStatus sets the local participant's status and re-broadcasts it.
func (m *Manager) UpdateStatus(ctx context.Context, status models.ParticipantStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return nil
	}
	m.self.Status = status
	m.self.LastActivity = m.clock.Now()
	update := m.commitSelfLocked()
	m.mu.Unlock()

	m.send(ctx, transport.EventUserActivityUpdated, update)
	m.notify()
	return nil
}

// SetCurrentFile records which file the local participant has open. A nil
// fileID means no file.
func (m *Manager) SetCurrentFile(ctx context.Context, fileID *uuid.UUID) {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return
	}
	if fileID != nil {
		id := *fileID
		fileID = &id
	}
	m.self.CurrentFileID = fileID
	m.self.LastActivity = m.clock.Now()
	update := m.commitSelfLocked()
	m.mu.Unlock()

	m.send(ctx, transport.EventUserActivityUpdated, update)
	m.notify()
}

func (m *Manager) List() []models.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(func(models.Participant) bool { return true })
}

func (m *Manager) ListByStatus(status models.ParticipantStatus) []models.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(func(p models.Participant) bool { return p.Status == status })
}

func (m *Manager) Get(userID uuid.UUID) (models.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[userID]
	return p, ok
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.participants)
}

// OnlineCount counts participants that are not idle. Typing implies online.
func (m *Manager) OnlineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.participants {
		if p.Status != models.StatusIdle {
			n++
		}
	}
	return n
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

func (m *Manager) listLocked(keep func(models.Participant) bool) []models.Participant {
	result := make([]models.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		if keep(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DisplayName != result[j].DisplayName {
			return result[i].DisplayName < result[j].DisplayName
		}
		return result[i].UserID.String() < result[j].UserID.String()
	})
	return result
}

func (m *Manager) commitSelfLocked() models.ActivityUpdate {
	m.participants[m.self.UserID] = m.self
	return models.ActivityUpdate{
		UserID:        m.self.UserID,
		Status:        m.self.Status,
		LastActivity:  m.self.LastActivity,
		CurrentFileID: m.self.CurrentFileID,
	}
}

func (m *Manager) scheduleHeartbeatLocked() {
	m.heartbeatGen++
	gen := m.heartbeatGen
	m.heartbeatTimer = m.clock.AfterFunc(m.heartbeat, func() { m.beat(gen) })
}

func (m *Manager) stopHeartbeatLocked() {
	m.heartbeatGen++
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
}

func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if !m.registered || gen != m.heartbeatGen {
		m.mu.Unlock()
		return
	}
	m.self.LastActivity = m.clock.Now()
	update := m.commitSelfLocked()
	m.scheduleHeartbeatLocked()
	m.mu.Unlock()

	m.send(context.Background(), transport.EventUserActivityUpdated, update)
}

func (m *Manager) seed(ctx context.Context) {
	presences, err := m.transport.Presences(ctx, m.topic)
	if err != nil {
		m.log.WithError(err).Warn("Failed to load presence list")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, meta := range presences {
		var p models.Participant
		if err := json.Unmarshal(meta, &p); err != nil {
			m.log.WithError(err).WithField("key", key).Debug("Skipping malformed presence entry")
			continue
		}
		if p.UserID == uuid.Nil || p.UserID == m.self.UserID {
			continue
		}
		m.participants[p.UserID] = p
	}
}

func (m *Manager) announce(ctx context.Context, self models.Participant) {
	if err := m.transport.Track(ctx, m.topic, self.UserID.String(), self); err != nil {
		m.log.WithError(err).Warn("Failed to track presence")
	}
	m.send(ctx, transport.EventUserJoined, self)
}

func (m *Manager) send(ctx context.Context, event string, payload any) {
	if err := m.transport.Send(ctx, m.topic, event, payload); err != nil {
		m.log.WithError(err).WithField("event", event).Debug("Dropped presence broadcast")
	}
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Manager) upsert(p models.Participant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered || p.UserID == uuid.Nil || p.UserID == m.self.UserID {
		return false
	}
	if p.Color == "" {
		p.Color = models.ColorFor(p.UserID)
	}
	m.participants[p.UserID] = p
	return true
}

func (m *Manager) remove(userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered || userID == m.self.UserID {
		return false
	}
	if _, ok := m.participants[userID]; !ok {
		return false
	}
	delete(m.participants, userID)
	return true
}

func (m *Manager) handleJoined(msg transport.Message) {
	var p models.Participant
	if err := msg.Decode(&p); err != nil {
		m.log.WithError(err).Debug("Ignoring malformed join")
		return
	}
	if m.upsert(p) {
		m.notify()
	}
}

func (m *Manager) handleLeft(msg transport.Message) {
	var left models.UserLeft
	if err := msg.Decode(&left); err != nil {
		m.log.WithError(err).Debug("Ignoring malformed leave")
		return
	}
	if m.remove(left.UserID) {
		m.notify()
	}
}

func (m *Manager) handleActivity(msg transport.Message) {
	var update models.ActivityUpdate
	if err := msg.Decode(&update); err != nil {
		m.log.WithError(err).Debug("Ignoring malformed activity update")
		return
	}

	m.mu.Lock()
	p, ok := m.participants[update.UserID]
	if !m.registered || !ok || update.UserID == m.self.UserID {
		m.mu.Unlock()
		return
	}
	p.LastActivity = update.LastActivity
	if update.Status.Valid() {
		p.Status = update.Status
	}
	p.CurrentFileID = update.CurrentFileID
	m.participants[update.UserID] = p
	m.mu.Unlock()

	m.notify()
}

func (m *Manager) handlePresence(ev transport.PresenceEvent) {
	if !ev.Joined {
		userID, err := uuid.Parse(ev.Key)
		if err != nil {
			return
		}
		if m.remove(userID) {
			m.notify()
		}
		return
	}

	var p models.Participant
	if err := json.Unmarshal(ev.Meta, &p); err != nil {
		m.log.WithError(err).Debug("Ignoring malformed presence meta")
		return
	}
	if m.upsert(p) {
		m.notify()
	}
}

func (m *Manager) handleConnection(connected bool) {
	m.mu.Lock()
	previous := m.connected
	m.connected = connected
	rejoin := m.registered && connected && !previous
	self := m.self
	m.mu.Unlock()

	if previous == connected {
		return
	}
	m.log.WithField("connected", connected).Info("Transport connection changed")
	if rejoin {
		m.announce(context.Background(), self)
	}
	m.notify()
}
