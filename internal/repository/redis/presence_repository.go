package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

// PresenceRepository is the Redis-backed presence transport. Besides joining
// channels it exposes the operator views the janitor and CLI need.
type PresenceRepository interface {
	presence.Transport
	// Snapshot reads the live entries of topic without joining it.
	Snapshot(ctx context.Context, topic string) (models.PresenceState, error)
	// ListTopics returns every topic with at least one stored entry.
	ListTopics(ctx context.Context) ([]string, error)
	// Sweep removes entries of topic whose heartbeat expired or whose
	// acquisition time is older than maxAge, publishing a leave for each.
	Sweep(ctx context.Context, topic string, now time.Time, maxAge time.Duration) (int, error)
}

type PresenceOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	// MaxAge stops the heartbeat from re-asserting an announcement every
	// reader already filters out.
	MaxAge time.Duration
}

type redisPresenceRepository struct {
	cli  *redis.Client
	l    logger.Logger
	opts PresenceOptions
	now  func() time.Time
}

func NewRedisPresenceRepository(cli *redis.Client, l logger.Logger, opts PresenceOptions) PresenceRepository {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTTL <= opts.HeartbeatInterval {
		opts.HeartbeatTTL = 3 * opts.HeartbeatInterval
	}
	return &redisPresenceRepository{
		cli:  cli,
		l:    l,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// storedEntry is the value of one field of the members hash.
type storedEntry struct {
	Key          string              `json:"key"`
	Announcement models.Announcement `json:"announcement"`
}

// envelope is what travels on the topic's pub/sub channel.
type envelope struct {
	Type         presence.EventType   `json:"type"`
	Ref          string               `json:"ref"`
	Key          string               `json:"key,omitempty"`
	Announcement *models.Announcement `json:"announcement,omitempty"`
	Event        string               `json:"event,omitempty"`
	Payload      []byte               `json:"payload,omitempty"`
}

func (r *redisPresenceRepository) Join(ctx context.Context, topic string, h presence.Handler) (presence.Channel, error) {
	ps := r.cli.Subscribe(ctx, r.eventsKey(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		r.l.Errorf(ctx, "redisPresenceRepository.Join: %v", err)
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &redisChannel{
		repo:    r,
		topic:   topic,
		ref:     uuid.NewString(),
		handler: h,
		ps:      ps,
		state:   make(map[string]storedEntry),
		cancel:  cancel,
	}

	if err := c.resync(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	msgs := ps.ChannelWithSubscriptions()
	c.wg.Add(2)
	go c.readLoop(loopCtx, msgs)
	go c.heartbeatLoop(loopCtx)

	r.l.Debugf(ctx, "redisPresenceRepository.Join: topic=%s ref=%s", topic, c.ref)
	return c, nil
}

func (r *redisPresenceRepository) Snapshot(ctx context.Context, topic string) (models.PresenceState, error) {
	entries, err := r.liveEntries(ctx, topic)
	if err != nil {
		r.l.Errorf(ctx, "redisPresenceRepository.Snapshot: %v", err)
		return nil, err
	}
	return stateOf(entries), nil
}

func (r *redisPresenceRepository) ListTopics(ctx context.Context) ([]string, error) {
	var (
		topics []string
		cursor uint64
	)
	for {
		keys, next, err := r.cli.Scan(ctx, cursor, "presence:*:members", 100).Result()
		if err != nil {
			r.l.Errorf(ctx, "redisPresenceRepository.ListTopics: %v", err)
			return nil, err
		}
		for _, k := range keys {
			topics = append(topics, strings.TrimSuffix(strings.TrimPrefix(k, "presence:"), ":members"))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return topics, nil
}

func (r *redisPresenceRepository) Sweep(ctx context.Context, topic string, now time.Time, maxAge time.Duration) (int, error) {
	all, err := r.allEntries(ctx, topic)
	if err != nil {
		r.l.Errorf(ctx, "redisPresenceRepository.Sweep: %v", err)
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}

	alive, err := r.heartbeats(ctx, topic, all)
	if err != nil {
		r.l.Errorf(ctx, "redisPresenceRepository.Sweep: %v", err)
		return 0, err
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for ref, e := range all {
		at, perr := e.Announcement.AcquiredTime()
		if alive[ref] && perr == nil && !at.Before(cutoff) {
			continue
		}
		if err := r.remove(ctx, topic, ref, e); err != nil {
			r.l.Errorf(ctx, "redisPresenceRepository.Sweep: %v", err)
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		r.l.Infof(ctx, "redisPresenceRepository.Sweep: topic=%s removed=%d", topic, removed)
	}
	return removed, nil
}

func (r *redisPresenceRepository) store(ctx context.Context, topic, ref string, e storedEntry, publish bool) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	var msg []byte
	if publish {
		ann := e.Announcement
		if msg, err = json.Marshal(envelope{Type: presence.EventJoin, Ref: ref, Key: e.Key, Announcement: &ann}); err != nil {
			return fmt.Errorf("marshal presence join: %w", err)
		}
	}

	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.membersKey(topic), ref, data)
		pipe.Set(ctx, r.heartbeatKey(topic, ref), e.Key, r.opts.HeartbeatTTL)
		if publish {
			pipe.Publish(ctx, r.eventsKey(topic), msg)
		}
		return nil
	})
	return err
}

func (r *redisPresenceRepository) remove(ctx context.Context, topic, ref string, e storedEntry) error {
	ann := e.Announcement
	msg, err := json.Marshal(envelope{Type: presence.EventLeave, Ref: ref, Key: e.Key, Announcement: &ann})
	if err != nil {
		return fmt.Errorf("marshal presence leave: %w", err)
	}

	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.membersKey(topic), ref)
		pipe.Del(ctx, r.heartbeatKey(topic, ref))
		pipe.Publish(ctx, r.eventsKey(topic), msg)
		return nil
	})
	return err
}

func (r *redisPresenceRepository) allEntries(ctx context.Context, topic string) (map[string]storedEntry, error) {
	raw, err := r.cli.HGetAll(ctx, r.membersKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]storedEntry, len(raw))
	for ref, data := range raw {
		var e storedEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil || e.Key == "" {
			r.l.Warnf(ctx, "redisPresenceRepository.allEntries: %v: ref=%s", ErrInvalidEntry, ref)
			continue
		}
		out[ref] = e
	}
	return out, nil
}

func (r *redisPresenceRepository) heartbeats(ctx context.Context, topic string, entries map[string]storedEntry) (map[string]bool, error) {
	refs := make([]string, 0, len(entries))
	cmds := make([]*redis.IntCmd, 0, len(entries))
	_, err := r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for ref := range entries {
			refs = append(refs, ref)
			cmds = append(cmds, pipe.Exists(ctx, r.heartbeatKey(topic, ref)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(refs))
	for i, ref := range refs {
		alive[ref] = cmds[i].Val() > 0
	}
	return alive, nil
}

// liveEntries returns stored entries whose heartbeat has not expired.
func (r *redisPresenceRepository) liveEntries(ctx context.Context, topic string) (map[string]storedEntry, error) {
	all, err := r.allEntries(ctx, topic)
	if err != nil || len(all) == 0 {
		return all, err
	}
	alive, err := r.heartbeats(ctx, topic, all)
	if err != nil {
		return nil, err
	}
	for ref := range all {
		if !alive[ref] {
			delete(all, ref)
		}
	}
	return all, nil
}

func (r *redisPresenceRepository) publish(ctx context.Context, topic string, env envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal presence %s: %w", env.Type, err)
	}
	return r.cli.Publish(ctx, r.eventsKey(topic), msg).Err()
}

func (r *redisPresenceRepository) membersKey(topic string) string {
	return fmt.Sprintf("presence:%s:members", topic)
}

func (r *redisPresenceRepository) heartbeatKey(topic, ref string) string {
	return fmt.Sprintf("presence:%s:hb:%s", topic, ref)
}

func (r *redisPresenceRepository) eventsKey(topic string) string {
	return fmt.Sprintf("presence:%s:events", topic)
}

func stateOf(entries map[string]storedEntry) models.PresenceState {
	state := make(models.PresenceState, len(entries))
	for _, e := range entries {
		state[e.Key] = append(state[e.Key], e.Announcement)
	}
	return state
}

// redisChannel is one joined topic. Its local view of the members is kept up
// to date from pub/sub and reconciled against the hash on every heartbeat.
type redisChannel struct {
	repo    *redisPresenceRepository
	topic   string
	ref     string
	handler presence.Handler
	ps      *redis.PubSub
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	state   map[string]storedEntry
	tracked *storedEntry
	closed  bool
}

func (c *redisChannel) Topic() string { return c.topic }

func (c *redisChannel) Track(ctx context.Context, key string, a models.Announcement) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return presence.ErrChannelClosed
	}
	prev := c.tracked
	c.mu.Unlock()

	e := storedEntry{Key: key, Announcement: a}
	if prev != nil && prev.Key != key {
		if err := c.repo.remove(ctx, c.topic, c.ref, *prev); err != nil {
			c.repo.l.Errorf(ctx, "redisChannel.Track: %v", err)
			return err
		}
	}
	if err := c.repo.store(ctx, c.topic, c.ref, e, true); err != nil {
		c.repo.l.Errorf(ctx, "redisChannel.Track: %v", err)
		return err
	}

	c.mu.Lock()
	c.tracked = &e
	events := c.applyLocked(c.ref, &e)
	c.mu.Unlock()
	c.emit(events)
	return nil
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return presence.ErrChannelClosed
	}
	c.mu.Unlock()
	return c.untrack(ctx)
}

func (c *redisChannel) untrack(ctx context.Context) error {
	c.mu.Lock()
	prev := c.tracked
	c.mu.Unlock()
	if prev == nil {
		return nil
	}

	if err := c.repo.remove(ctx, c.topic, c.ref, *prev); err != nil {
		c.repo.l.Errorf(ctx, "redisChannel.Untrack: %v", err)
		return err
	}

	c.mu.Lock()
	c.tracked = nil
	events := c.applyLocked(c.ref, nil)
	c.mu.Unlock()
	c.emit(events)
	return nil
}

func (c *redisChannel) PresenceState() models.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateOf(c.state)
}

func (c *redisChannel) Broadcast(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return presence.ErrChannelClosed
	}

	if err := c.repo.publish(ctx, c.topic, envelope{Type: presence.EventBroadcast, Ref: c.ref, Event: event, Payload: payload}); err != nil {
		c.repo.l.Errorf(ctx, "redisChannel.Broadcast: %v", err)
		return err
	}
	return nil
}

func (c *redisChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Stop the loops first so a heartbeat cannot store the entry again after
	// it has been removed.
	c.cancel()
	cerr := c.ps.Close()
	c.wg.Wait()

	if err := c.untrack(ctx); err != nil {
		return err
	}
	return cerr
}

func (c *redisChannel) readLoop(ctx context.Context, msgs <-chan interface{}) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			c.handleMessage(ctx, m)
		}
	}
}

// handleMessage processes one item from the subscription. The initial
// subscribe confirmation is consumed by Join, so any later one means the
// client reconnected and resubscribed.
func (c *redisChannel) handleMessage(ctx context.Context, m interface{}) {
	switch msg := m.(type) {
	case *redis.Subscription:
		if msg.Kind != "subscribe" {
			return
		}
		c.repo.l.Warnf(ctx, "redisChannel.handleMessage: resubscribed to %s", c.topic)
		c.emit([]presence.Event{{Type: presence.EventReconnect}})
		if err := c.resync(ctx); err != nil {
			c.repo.l.Errorf(ctx, "redisChannel.handleMessage: %v", err)
		}

	case *redis.Message:
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.repo.l.Warnf(ctx, "redisChannel.handleMessage: %v", err)
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *redisChannel) handleEnvelope(env envelope) {
	switch env.Type {
	case presence.EventJoin:
		if env.Announcement == nil || env.Key == "" {
			return
		}
		e := storedEntry{Key: env.Key, Announcement: *env.Announcement}
		c.mu.Lock()
		events := c.applyLocked(env.Ref, &e)
		c.mu.Unlock()
		c.emit(events)

	case presence.EventLeave:
		c.mu.Lock()
		events := c.applyLocked(env.Ref, nil)
		c.mu.Unlock()
		c.emit(events)

	case presence.EventBroadcast:
		if env.Ref == c.ref {
			return
		}
		c.emit([]presence.Event{{Type: presence.EventBroadcast, Name: env.Event, Payload: env.Payload}})
	}
}

// applyLocked sets or clears one ref in the local view and returns the events
// describing the change. Applying what is already there yields nothing.
func (c *redisChannel) applyLocked(ref string, e *storedEntry) []presence.Event {
	prev, had := c.state[ref]
	if e != nil && had && prev == *e {
		return nil
	}
	if e == nil && !had {
		return nil
	}

	var events []presence.Event
	if had {
		delete(c.state, ref)
		events = append(events, presence.Event{Type: presence.EventLeave, Key: prev.Key, Announcements: []models.Announcement{prev.Announcement}})
	}
	if e != nil {
		c.state[ref] = *e
		events = append(events, presence.Event{Type: presence.EventJoin, Key: e.Key, Announcements: []models.Announcement{e.Announcement}})
	}
	return append(events, presence.Event{Type: presence.EventSync})
}

// resync replaces the local view with the live entries in Redis, emitting a
// join or leave for every difference followed by one sync.
func (c *redisChannel) resync(ctx context.Context) error {
	live, err := c.repo.liveEntries(ctx, c.topic)
	if err != nil {
		c.repo.l.Errorf(ctx, "redisChannel.resync: %v", err)
		return err
	}

	c.mu.Lock()
	var events []presence.Event
	for ref, prev := range c.state {
		if cur, ok := live[ref]; ok && cur == prev {
			continue
		}
		delete(c.state, ref)
		events = append(events, presence.Event{Type: presence.EventLeave, Key: prev.Key, Announcements: []models.Announcement{prev.Announcement}})
	}
	for ref, cur := range live {
		if _, ok := c.state[ref]; ok {
			continue
		}
		c.state[ref] = cur
		events = append(events, presence.Event{Type: presence.EventJoin, Key: cur.Key, Announcements: []models.Announcement{cur.Announcement}})
	}
	c.mu.Unlock()

	c.emit(append(events, presence.Event{Type: presence.EventSync}))
	return nil
}

func (c *redisChannel) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.repo.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat re-asserts the tracked entry with its original announcement and
// reconciles the local view.
func (c *redisChannel) heartbeat(ctx context.Context) {
	c.mu.Lock()
	tracked := c.tracked
	c.mu.Unlock()

	if tracked != nil && !c.expired(tracked.Announcement) {
		if err := c.repo.store(ctx, c.topic, c.ref, *tracked, false); err != nil {
			c.repo.l.Warnf(ctx, "redisChannel.heartbeat: %v", err)
		}
	}
	_ = c.resync(ctx)
}

func (c *redisChannel) expired(a models.Announcement) bool {
	if c.repo.opts.MaxAge <= 0 {
		return false
	}
	at, err := a.AcquiredTime()
	if err != nil {
		return true
	}
	return at.Before(c.repo.now().Add(-c.repo.opts.MaxAge))
}

func (c *redisChannel) emit(events []presence.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	for _, e := range events {
		c.handler(e)
	}
}
