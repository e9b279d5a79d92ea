// Package redisbus implements the Channel Transport on Redis pub/sub so that
// several API nodes can share sessions.
//
// A topic's presence is a Redis set of keys plus one expiring string per key
// holding its meta. Each node refreshes only the keys it tracks, so a key
// whose node died disappears after the TTL and is pruned from the set by any
// node still watching the topic.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPrefix           = "collab:"
	defaultPresenceTTL      = 2 * time.Minute
	defaultHealthInterval   = 5 * time.Second
	defaultSubscribeTimeout = 5 * time.Second
	receiveRetryDelay       = 500 * time.Millisecond
)

type Options struct {
	// Prefix is prepended to every channel and key. Defaults to "collab:".
	Prefix           string
	PresenceTTL      time.Duration
	HealthInterval   time.Duration
	SubscribeTimeout time.Duration
	Logger           logrus.FieldLogger
}

type subscription struct {
	event   string
	handler transport.Handler
}

type Bus struct {
	client *redis.Client
	pubsub *redis.PubSub
	opts   Options
	origin string
	log    logrus.FieldLogger

	mu        sync.RWMutex
	subs      map[string]map[uint64]subscription
	watchers  map[string]map[uint64]transport.PresenceHandler
	statuses  map[uint64]transport.StatusHandler
	tracked   map[string]map[string]json.RawMessage
	acks      map[string][]chan struct{}
	connected bool
	nextID    uint64

	// subMu serializes channel subscribe and unsubscribe so the reference
	// count and the Redis subscription set never diverge.
	subMu sync.Mutex
	refs  map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Bus)(nil)

// New verifies the Redis connection and starts the receive and health loops.
// The caller keeps ownership of client.
func New(ctx context.Context, client *redis.Client, opts Options) (*Bus, error) {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaultPresenceTTL
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	origin := ksuid.New().String()
	runCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:    client,
		pubsub:    client.Subscribe(runCtx),
		opts:      opts,
		origin:    origin,
		log:       opts.Logger.WithFields(logrus.Fields{"component": "redisbus", "origin": origin}),
		subs:      make(map[string]map[uint64]subscription),
		watchers:  make(map[string]map[uint64]transport.PresenceHandler),
		statuses:  make(map[uint64]transport.StatusHandler),
		tracked:   make(map[string]map[string]json.RawMessage),
		acks:      make(map[string][]chan struct{}),
		refs:      make(map[string]int),
		connected: true,
		cancel:    cancel,
	}

	b.wg.Add(2)
	go b.receiveLoop(runCtx)
	go b.healthLoop(runCtx)
	return b, nil
}

// Close stops the loops and releases the pub/sub connection.
func (b *Bus) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

func (b *Bus) channel(topic string) string {
	return b.opts.Prefix + "topic:" + topic
}

func (b *Bus) presenceKey(topic string) string {
	return b.opts.Prefix + "presence:" + topic
}

func (b *Bus) memberKey(topic, key string) string {
	return b.opts.Prefix + "presence-member:" + topic + ":" + key
}

func (b *Bus) presenceFrame(topic, key string, joined bool, meta json.RawMessage) ([]byte, error) {
	return encodeEnvelope(envelope{
		Kind:   kindPresence,
		Origin: b.origin,
		Presence: &transport.PresenceEvent{
			Topic:  topic,
			Key:    key,
			Joined: joined,
			Meta:   meta,
		},
	})
}

func (b *Bus) Subscribe(topic, event string, handler transport.Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]subscription)
	}
	b.subs[topic][id] = subscription{event: event, handler: handler}
	b.mu.Unlock()

	b.retain(topic)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			b.release(topic)
		})
	}
}

func (b *Bus) OnPresence(topic string, handler transport.PresenceHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.watchers[topic] == nil {
		b.watchers[topic] = make(map[uint64]transport.PresenceHandler)
	}
	b.watchers[topic][id] = handler
	b.mu.Unlock()

	b.retain(topic)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers[topic], id)
			if len(b.watchers[topic]) == 0 {
				delete(b.watchers, topic)
			}
			b.mu.Unlock()
			b.release(topic)
		})
	}
}

func (b *Bus) OnConnectionChange(handler transport.StatusHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.statuses[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.statuses, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bus) Send(ctx context.Context, topic, event string, payload any) error {
	if !b.Connected() {
		return transport.ErrUnavailable
	}
	msg, err := transport.NewMessage(topic, event, payload)
	if err != nil {
		return err
	}
	data, err := encodeEnvelope(envelope{Kind: kindBroadcast, Origin: b.origin, Message: &msg})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (b *Bus) Track(ctx context.Context, topic, key string, meta any) error {
	if !b.Connected() {
		return transport.ErrUnavailable
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode presence meta: %w", err)
	}
	frame, err := b.presenceFrame(topic, key, true, data)
	if err != nil {
		return err
	}

	index := b.presenceKey(topic)
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.memberKey(topic, key), []byte(data), b.opts.PresenceTTL)
		pipe.SAdd(ctx, index, key)
		pipe.Expire(ctx, index, b.opts.PresenceTTL)
		pipe.Publish(ctx, b.channel(topic), frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track %s: %w", key, err)
	}

	b.mu.Lock()
	if b.tracked[topic] == nil {
		b.tracked[topic] = make(map[string]json.RawMessage)
	}
	b.tracked[topic][key] = data
	b.mu.Unlock()
	return nil
}

func (b *Bus) Untrack(ctx context.Context, topic, key string) error {
	if !b.Connected() {
		return transport.ErrUnavailable
	}

	b.mu.Lock()
	meta := b.tracked[topic][key]
	delete(b.tracked[topic], key)
	if len(b.tracked[topic]) == 0 {
		delete(b.tracked, topic)
	}
	b.mu.Unlock()

	frame, err := b.presenceFrame(topic, key, false, meta)
	if err != nil {
		return err
	}

	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.memberKey(topic, key))
		pipe.SRem(ctx, b.presenceKey(topic), key)
		pipe.Publish(ctx, b.channel(topic), frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("untrack %s: %w", key, err)
	}
	return nil
}

// Presences returns the live keys of topic. Keys whose member entry expired
// are left out even before a health tick prunes them.
func (b *Bus) Presences(ctx context.Context, topic string) (map[string]json.RawMessage, error) {
	live, _, err := b.members(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("load presences: %w", err)
	}
	return live, nil
}

// members splits the keys indexed under topic into live ones with their meta
// and expired ones.
func (b *Bus) members(ctx context.Context, topic string) (map[string]json.RawMessage, []string, error) {
	keys, err := b.client.SMembers(ctx, b.presenceKey(topic)).Result()
	if err != nil {
		return nil, nil, err
	}
	live := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return live, nil, nil
	}

	memberKeys := make([]string, len(keys))
	for i, key := range keys {
		memberKeys[i] = b.memberKey(topic, key)
	}
	values, err := b.client.MGet(ctx, memberKeys...).Result()
	if err != nil {
		return nil, nil, err
	}

	var expired []string
	for i, value := range values {
		meta, ok := value.(string)
		if !ok {
			expired = append(expired, keys[i])
			continue
		}
		live[keys[i]] = json.RawMessage(meta)
	}
	return live, expired, nil
}

func (b *Bus) retain(topic string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.refs[topic]++
	if b.refs[topic] > 1 {
		return
	}

	channel := b.channel(topic)
	ack := make(chan struct{})
	b.mu.Lock()
	b.acks[channel] = append(b.acks[channel], ack)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SubscribeTimeout)
	defer cancel()
	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("Failed to subscribe")
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
		b.log.WithField("topic", topic).Warn("Subscribe not confirmed in time")
	}
}

func (b *Bus) release(topic string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.refs[topic]--
	if b.refs[topic] > 0 {
		return
	}
	delete(b.refs, topic)

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SubscribeTimeout)
	defer cancel()
	if err := b.pubsub.Unsubscribe(ctx, b.channel(topic)); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("Failed to unsubscribe")
	}
}

func (b *Bus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		received, err := b.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.log.WithError(err).Warn("Receive failed")
			b.setConnected(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		switch m := received.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			b.deliver(m.Payload)
		case *redis.Pong:
		}
	}
}

func (b *Bus) confirm(channel string) {
	b.mu.Lock()
	waiters := b.acks[channel]
	delete(b.acks, channel)
	b.mu.Unlock()
	for _, ack := range waiters {
		close(ack)
	}
}

func (b *Bus) deliver(payload string) {
	env, err := decodeEnvelope([]byte(payload))
	if err != nil {
		b.log.WithError(err).Warn("Dropping malformed frame")
		return
	}

	if env.Kind == kindBroadcast {
		msg := *env.Message
		b.mu.RLock()
		var handlers []transport.Handler
		for _, sub := range b.subs[msg.Topic] {
			if sub.event == msg.Event {
				handlers = append(handlers, sub.handler)
			}
		}
		b.mu.RUnlock()
		for _, handler := range handlers {
			handler(msg)
		}
		return
	}

	ev := *env.Presence
	b.mu.RLock()
	watchers := make([]transport.PresenceHandler, 0, len(b.watchers[ev.Topic]))
	for _, watcher := range b.watchers[ev.Topic] {
		watchers = append(watchers, watcher)
	}
	b.mu.RUnlock()
	for _, watcher := range watchers {
		watcher(ev)
	}
}

func (b *Bus) healthLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkHealth(ctx)
		}
	}
}

func (b *Bus) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, b.opts.HealthInterval)
	defer cancel()

	if err := b.client.Ping(pingCtx).Err(); err != nil {
		if ctx.Err() == nil {
			b.log.WithError(err).Warn("Redis ping failed")
			b.setConnected(false)
		}
		return
	}
	b.setConnected(true)
	b.refreshPresence(pingCtx)
	b.pruneExpired(pingCtx)
}

// refreshPresence rewrites locally tracked keys so they survive the TTL and
// reappear after Redis loses them. A key that had already been pruned is
// announced again.
func (b *Bus) refreshPresence(ctx context.Context) {
	b.mu.RLock()
	snapshot := make(map[string]map[string]json.RawMessage, len(b.tracked))
	for topic, keys := range b.tracked {
		copied := make(map[string]json.RawMessage, len(keys))
		for key, meta := range keys {
			copied[key] = meta
		}
		snapshot[topic] = copied
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	type added struct {
		topic, key string
		cmd        *redis.IntCmd
	}
	var adds []added
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for topic, keys := range snapshot {
			index := b.presenceKey(topic)
			for key, meta := range keys {
				pipe.Set(ctx, b.memberKey(topic, key), []byte(meta), b.opts.PresenceTTL)
				adds = append(adds, added{topic: topic, key: key, cmd: pipe.SAdd(ctx, index, key)})
			}
			pipe.Expire(ctx, index, b.opts.PresenceTTL)
		}
		return nil
	})
	if err != nil {
		b.log.WithError(err).Warn("Failed to refresh presence")
		return
	}

	for _, a := range adds {
		b.mu.RLock()
		_, still := b.tracked[a.topic][a.key]
		b.mu.RUnlock()
		if !still {
			// Untracked while the refresh was in flight.
			b.client.Del(ctx, b.memberKey(a.topic, a.key))
			b.client.SRem(ctx, b.presenceKey(a.topic), a.key)
			continue
		}
		if a.cmd.Val() == 1 {
			b.publishPresence(ctx, a.topic, a.key, true, snapshot[a.topic][a.key])
		}
	}
}

// pruneExpired removes keys whose member entry has expired from the topics
// this node watches. SREM decides which node publishes the leave, so each
// expiry is announced once.
func (b *Bus) pruneExpired(ctx context.Context) {
	b.mu.RLock()
	topics := make([]string, 0, len(b.watchers))
	for topic := range b.watchers {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()

	for _, topic := range topics {
		_, expired, err := b.members(ctx, topic)
		if err != nil {
			b.log.WithError(err).WithField("topic", topic).Warn("Failed to scan presence")
			continue
		}
		for _, key := range expired {
			removed, err := b.client.SRem(ctx, b.presenceKey(topic), key).Result()
			if err != nil {
				b.log.WithError(err).WithField("topic", topic).Warn("Failed to prune presence")
				continue
			}
			if removed == 1 {
				b.log.WithFields(logrus.Fields{"topic": topic, "key": key}).Info("Presence expired")
				b.publishPresence(ctx, topic, key, false, nil)
			}
		}
	}
}

func (b *Bus) publishPresence(ctx context.Context, topic, key string, joined bool, meta json.RawMessage) {
	frame, err := b.presenceFrame(topic, key, joined, meta)
	if err != nil {
		b.log.WithError(err).Warn("Failed to encode presence event")
		return
	}
	if err := b.client.Publish(ctx, b.channel(topic), frame).Err(); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("Failed to publish presence event")
	}
}

func (b *Bus) setConnected(connected bool) {
	b.mu.Lock()
	if b.connected == connected {
		b.mu.Unlock()
		return
	}
	b.connected = connected
	handlers := make([]transport.StatusHandler, 0, len(b.statuses))
	for _, handler := range b.statuses {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()

	b.log.WithField("connected", connected).Info("Connection status changed")
	for _, handler := range handlers {
		handler(connected)
	}
}
