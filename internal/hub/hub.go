// Package hub is the in-process Channel Transport. Every active topic owns
// one goroutine that delivers broadcasts and presence changes to the
// topic's subscribers in enqueue order.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/sirupsen/logrus"
)

const defaultBufferSize = 256

type subscription struct {
	event   string
	handler transport.Handler
}

// delivery carries exactly one of message or presence.
type delivery struct {
	message  *transport.Message
	presence *transport.PresenceEvent
}

type topic struct {
	name     string
	inbox    chan delivery
	quit     chan struct{}
	subs     map[uint64]subscription
	watchers map[uint64]transport.PresenceHandler
	presence map[string]json.RawMessage
}

func (t *topic) idle() bool {
	return len(t.subs) == 0 && len(t.watchers) == 0 && len(t.presence) == 0
}

type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	statuses   map[uint64]transport.StatusHandler
	connected  bool
	nextID     uint64
	bufferSize int
	log        logrus.FieldLogger
	wg         sync.WaitGroup
}

var _ transport.Transport = (*Hub)(nil)

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		topics:     make(map[string]*topic),
		statuses:   make(map[uint64]transport.StatusHandler),
		connected:  true,
		bufferSize: defaultBufferSize,
		log:        log.WithField("component", "hub"),
	}
}

func (h *Hub) Subscribe(topicName, event string, handler transport.Handler) func() {
	h.mu.Lock()
	t := h.topicLocked(topicName)
	h.nextID++
	id := h.nextID
	t.subs[id] = subscription{event: event, handler: handler}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(t.subs, id)
			h.maybeTeardownLocked(t)
		})
	}
}

func (h *Hub) Send(ctx context.Context, topicName, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := transport.NewMessage(topicName, event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.connected {
		return transport.ErrUnavailable
	}
	t, ok := h.topics[topicName]
	if !ok {
		// Nobody is listening on this topic.
		return nil
	}
	return h.enqueueLocked(t, delivery{message: &msg})
}

func (h *Hub) Track(ctx context.Context, topicName, key string, meta any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode presence meta: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return transport.ErrUnavailable
	}
	t := h.topicLocked(topicName)
	t.presence[key] = data
	return h.enqueueLocked(t, delivery{presence: &transport.PresenceEvent{
		Topic:  topicName,
		Key:    key,
		Joined: true,
		Meta:   data,
	}})
}

func (h *Hub) Untrack(ctx context.Context, topicName, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return transport.ErrUnavailable
	}
	t, ok := h.topics[topicName]
	if !ok {
		return nil
	}
	meta, tracked := t.presence[key]
	if !tracked {
		return nil
	}
	delete(t.presence, key)
	err := h.enqueueLocked(t, delivery{presence: &transport.PresenceEvent{
		Topic: topicName,
		Key:   key,
		Meta:  meta,
	}})
	h.maybeTeardownLocked(t)
	return err
}

func (h *Hub) Presences(ctx context.Context, topicName string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]json.RawMessage)
	if t, ok := h.topics[topicName]; ok {
		for key, meta := range t.presence {
			result[key] = meta
		}
	}
	return result, nil
}

func (h *Hub) OnPresence(topicName string, handler transport.PresenceHandler) func() {
	h.mu.Lock()
	t := h.topicLocked(topicName)
	h.nextID++
	id := h.nextID
	t.watchers[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(t.watchers, id)
			h.maybeTeardownLocked(t)
		})
	}
}

func (h *Hub) OnConnectionChange(handler transport.StatusHandler) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.statuses[id] = handler
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.statuses, id)
		h.mu.Unlock()
	}
}

func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// SetConnected flips the hub's connection state and notifies status
// handlers synchronously. It is how an in-process deployment models an
// outage of the realtime layer.
func (h *Hub) SetConnected(connected bool) {
	h.mu.Lock()
	if h.connected == connected {
		h.mu.Unlock()
		return
	}
	h.connected = connected
	handlers := make([]transport.StatusHandler, 0, len(h.statuses))
	for _, handler := range h.statuses {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()

	h.log.WithField("connected", connected).Info("Connection status changed")
	for _, handler := range handlers {
		handler(connected)
	}
}

// TopicCount returns the number of topics with a running delivery goroutine.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Close stops every topic goroutine and waits for them to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	for name, t := range h.topics {
		close(t.quit)
		delete(h.topics, name)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) topicLocked(name string) *topic {
	if t, ok := h.topics[name]; ok {
		return t
	}
	t := &topic{
		name:     name,
		inbox:    make(chan delivery, h.bufferSize),
		quit:     make(chan struct{}),
		subs:     make(map[uint64]subscription),
		watchers: make(map[uint64]transport.PresenceHandler),
		presence: make(map[string]json.RawMessage),
	}
	h.topics[name] = t
	h.wg.Add(1)
	go h.run(t)
	h.log.WithField("topic", name).Debug("Topic started")
	return t
}

func (h *Hub) maybeTeardownLocked(t *topic) {
	if !t.idle() {
		return
	}
	if current, ok := h.topics[t.name]; !ok || current != t {
		return
	}
	delete(h.topics, t.name)
	close(t.quit)
	h.log.WithField("topic", t.name).Debug("Topic idle, stopped")
}

func (h *Hub) enqueueLocked(t *topic, d delivery) error {
	select {
	case t.inbox <- d:
		return nil
	default:
		h.log.WithField("topic", t.name).Warn("Topic buffer full, dropping delivery")
		return transport.ErrBufferFull
	}
}

func (h *Hub) run(t *topic) {
	defer h.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case d := <-t.inbox:
			h.dispatch(t, d)
		}
	}
}

func (h *Hub) dispatch(t *topic, d delivery) {
	h.mu.RLock()
	var handlers []transport.Handler
	var watchers []transport.PresenceHandler
	if d.message != nil {
		for _, sub := range t.subs {
			if sub.event == d.message.Event {
				handlers = append(handlers, sub.handler)
			}
		}
	} else {
		for _, watcher := range t.watchers {
			watchers = append(watchers, watcher)
		}
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(*d.message)
	}
	for _, watcher := range watchers {
		watcher(*d.presence)
	}
}
