package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := NewHub(logger)
	t.Cleanup(h.Close)
	return h
}

type recorder struct {
	mu       sync.Mutex
	messages []transport.Message
	presence []transport.PresenceEvent
}

func (r *recorder) handle(msg transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) handlePresence(ev transport.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, ev)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) presenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presence)
}

func TestNewHub(t *testing.T) {
	h := newTestHub(t)

	assert.NotNil(t, h.topics)
	assert.True(t, h.Connected())
	assert.Equal(t, 0, h.TopicCount())
}

func TestNewHub_NilLogger(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	assert.NotNil(t, h.log)
}

func TestHub_SendDeliversToMatchingEvent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	cursors := &recorder{}
	typing := &recorder{}
	h.Subscribe("session:a", "cursor-moved", cursors.handle)
	h.Subscribe("session:a", "user-typing", typing.handle)

	require.NoError(t, h.Send(ctx, "session:a", "cursor-moved", map[string]int{"line": 3}))

	assert.Eventually(t, func() bool { return cursors.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, typing.messageCount())

	cursors.mu.Lock()
	msg := cursors.messages[0]
	cursors.mu.Unlock()
	assert.Equal(t, "session:a", msg.Topic)
	assert.Equal(t, "cursor-moved", msg.Event)
	assert.NotEmpty(t, msg.ID)

	var payload map[string]int
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, 3, payload["line"])
}

func TestHub_SendPreservesOrder(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	rec := &recorder{}
	h.Subscribe("session:a", "cursor-moved", rec.handle)

	for i := 0; i < 50; i++ {
		require.NoError(t, h.Send(ctx, "session:a", "cursor-moved", i))
	}

	require.Eventually(t, func() bool { return rec.messageCount() == 50 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, msg := range rec.messages {
		var n int
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		assert.Equal(t, i, n)
	}
}

func TestHub_SendIsolatedByTopic(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	a := &recorder{}
	b := &recorder{}
	h.Subscribe("session:a", "user-joined", a.handle)
	h.Subscribe("session:b", "user-joined", b.handle)

	require.NoError(t, h.Send(ctx, "session:b", "user-joined", nil))

	assert.Eventually(t, func() bool { return b.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.messageCount())
}

func TestHub_SendWithoutSubscribers(t *testing.T) {
	h := newTestHub(t)

	err := h.Send(context.Background(), "session:nobody", "user-joined", nil)

	assert.NoError(t, err)
	assert.Equal(t, 0, h.TopicCount())
}

func TestHub_SendWhileDisconnected(t *testing.T) {
	h := newTestHub(t)
	h.Subscribe("session:a", "user-joined", func(transport.Message) {})
	h.SetConnected(false)

	err := h.Send(context.Background(), "session:a", "user-joined", nil)

	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestHub_SendCancelledContext(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Send(ctx, "session:a", "user-joined", nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestHub_SendBufferFull(t *testing.T) {
	h := newTestHub(t)
	h.bufferSize = 1
	ctx := context.Background()

	release := make(chan struct{})
	h.Subscribe("session:a", "cursor-moved", func(transport.Message) { <-release })
	defer close(release)

	// First message is picked up by the delivery goroutine and blocks it,
	// the second fills the buffer.
	require.NoError(t, h.Send(ctx, "session:a", "cursor-moved", 1))
	require.Eventually(t, func() bool {
		return h.Send(ctx, "session:a", "cursor-moved", 2) == nil
	}, time.Second, 5*time.Millisecond)

	err := h.Send(ctx, "session:a", "cursor-moved", 3)
	assert.ErrorIs(t, err, transport.ErrBufferFull)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	rec := &recorder{}
	unsubscribe := h.Subscribe("session:a", "user-left", rec.handle)
	assert.Equal(t, 1, h.TopicCount())

	unsubscribe()
	unsubscribe()

	assert.Equal(t, 0, h.TopicCount())
	require.NoError(t, h.Send(ctx, "session:a", "user-left", nil))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, rec.messageCount())
}

func TestHub_TrackAndPresences(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Track(ctx, "session:a", "user-1", map[string]string{"name": "Ada"}))
	require.NoError(t, h.Track(ctx, "session:a", "user-2", map[string]string{"name": "Linus"}))

	presences, err := h.Presences(ctx, "session:a")
	require.NoError(t, err)
	assert.Len(t, presences, 2)
	assert.JSONEq(t, `{"name":"Ada"}`, string(presences["user-1"]))

	require.NoError(t, h.Track(ctx, "session:a", "user-1", map[string]string{"name": "Ada L."}))
	presences, err = h.Presences(ctx, "session:a")
	require.NoError(t, err)
	assert.Len(t, presences, 2)
	assert.JSONEq(t, `{"name":"Ada L."}`, string(presences["user-1"]))
}

func TestHub_PresencesUnknownTopic(t *testing.T) {
	h := newTestHub(t)

	presences, err := h.Presences(context.Background(), "session:none")

	require.NoError(t, err)
	assert.Empty(t, presences)
}

func TestHub_OnPresenceNotifiesJoinAndLeave(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	rec := &recorder{}
	h.OnPresence("session:a", rec.handlePresence)

	require.NoError(t, h.Track(ctx, "session:a", "user-1", map[string]string{"name": "Ada"}))
	require.NoError(t, h.Untrack(ctx, "session:a", "user-1"))

	require.Eventually(t, func() bool { return rec.presenceCount() == 2 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.True(t, rec.presence[0].Joined)
	assert.Equal(t, "user-1", rec.presence[0].Key)
	assert.False(t, rec.presence[1].Joined)
	assert.JSONEq(t, `{"name":"Ada"}`, string(rec.presence[1].Meta))
}

func TestHub_UntrackUnknownKey(t *testing.T) {
	h := newTestHub(t)

	assert.NoError(t, h.Untrack(context.Background(), "session:a", "user-1"))
	assert.Equal(t, 0, h.TopicCount())
}

func TestHub_UntrackLastPresenceTearsDownTopic(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Track(ctx, "session:a", "user-1", nil))
	assert.Equal(t, 1, h.TopicCount())

	require.NoError(t, h.Untrack(ctx, "session:a", "user-1"))
	assert.Equal(t, 0, h.TopicCount())
}

func TestHub_TrackWhileDisconnected(t *testing.T) {
	h := newTestHub(t)
	h.SetConnected(false)

	err := h.Track(context.Background(), "session:a", "user-1", nil)

	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestHub_OnConnectionChange(t *testing.T) {
	h := newTestHub(t)

	var states []bool
	unsubscribe := h.OnConnectionChange(func(connected bool) {
		states = append(states, connected)
	})

	h.SetConnected(false)
	h.SetConnected(false)
	h.SetConnected(true)
	unsubscribe()
	h.SetConnected(false)

	assert.Equal(t, []bool{false, true}, states)
}

func TestHub_HandlerMaySendFromDelivery(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	rec := &recorder{}
	h.Subscribe("session:a", "pong", rec.handle)
	h.Subscribe("session:a", "ping", func(transport.Message) {
		_ = h.Send(ctx, "session:a", "pong", nil)
	})

	require.NoError(t, h.Send(ctx, "session:a", "ping", nil))

	assert.Eventually(t, func() bool { return rec.messageCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_CloseStopsTopics(t *testing.T) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := NewHub(logger)

	h.Subscribe("session:a", "user-joined", func(transport.Message) {})
	h.Subscribe("session:b", "user-joined", func(transport.Message) {})
	assert.Equal(t, 2, h.TopicCount())

	h.Close()

	assert.Equal(t, 0, h.TopicCount())
}
