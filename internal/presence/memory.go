package presence

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/vogiaan1904/actpresence/internal/models"
)

var (
	ErrChannelClosed = errors.New("presence channel closed")
	ErrDisconnected  = errors.New("presence channel disconnected")
)

// Hub is an in-process Transport. Every channel sees the same state
// immediately; events are delivered synchronously on the goroutine that
// caused them, after the hub lock has been released.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	channels map[*memChannel]struct{}
}

type memChannel struct {
	hub     *Hub
	topic   string
	handler Handler

	// guarded by hub.mu
	tracked      bool
	key          string
	ann          models.Announcement
	closed       bool
	disconnected bool
}

type delivery struct {
	handler Handler
	event   Event
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*memTopic)}
}

func (h *Hub) Join(ctx context.Context, topic string, handler Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	t := h.topics[topic]
	if t == nil {
		t = &memTopic{channels: make(map[*memChannel]struct{})}
		h.topics[topic] = t
	}
	ch := &memChannel{hub: h, topic: topic, handler: handler}
	t.channels[ch] = struct{}{}
	h.mu.Unlock()

	deliver([]delivery{{handler: handler, event: Event{Type: EventSync}}})
	return ch, nil
}

// Subscribers reports how many channels are joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[topic]; t != nil {
		return len(t.channels)
	}
	return 0
}

// Topics lists topics with at least one joined channel.
func (h *Hub) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.topics))
	for name := range h.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Disconnect simulates a dropped connection: the channel's tracked entry
// vanishes for everyone and the channel stops receiving events until
// Reconnect is called.
func (h *Hub) Disconnect(c Channel) {
	ch, ok := c.(*memChannel)
	if !ok {
		return
	}
	h.mu.Lock()
	if ch.closed || ch.disconnected {
		h.mu.Unlock()
		return
	}
	ch.disconnected = true
	var out []delivery
	if ch.tracked {
		ch.tracked = false
		out = h.fanoutLocked(ch.topic, ch, leaveAndSync(ch.key, ch.ann))
	}
	h.mu.Unlock()
	deliver(out)
}

// Reconnect restores a disconnected channel and notifies it.
func (h *Hub) Reconnect(c Channel) {
	ch, ok := c.(*memChannel)
	if !ok {
		return
	}
	h.mu.Lock()
	if ch.closed || !ch.disconnected {
		h.mu.Unlock()
		return
	}
	ch.disconnected = false
	h.mu.Unlock()
	deliver([]delivery{
		{handler: ch.handler, event: Event{Type: EventReconnect}},
		{handler: ch.handler, event: Event{Type: EventSync}},
	})
}

// Crash drops a channel without any leave event, the way a killed process
// vanishes. Its announcement stays in the state until someone evicts it.
func (h *Hub) Crash(c Channel) {
	ch, ok := c.(*memChannel)
	if !ok {
		return
	}
	h.mu.Lock()
	ch.closed = true
	ch.handler = nil
	h.mu.Unlock()
}

// Evict removes every announcement under key from topic, as a transport-side
// sweeper would.
func (h *Hub) Evict(topic, key string) int {
	h.mu.Lock()
	t := h.topics[topic]
	if t == nil {
		h.mu.Unlock()
		return 0
	}
	var out []delivery
	removed := 0
	for ch := range t.channels {
		if ch.tracked && ch.key == key {
			ch.tracked = false
			removed++
			out = append(out, h.fanoutLocked(topic, ch, leaveAndSync(ch.key, ch.ann))...)
			if ch.closed {
				delete(t.channels, ch)
			}
		}
	}
	h.dropEmptyLocked(topic)
	h.mu.Unlock()
	deliver(out)
	return removed
}

func (c *memChannel) Topic() string { return c.topic }

func (c *memChannel) Track(ctx context.Context, key string, a models.Announcement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	if err := c.usableLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	var events []Event
	if c.tracked && (c.key != key || c.ann != a) {
		events = append(events, Event{Type: EventLeave, Key: c.key, Announcements: []models.Announcement{c.ann}})
	}
	c.tracked, c.key, c.ann = true, key, a
	events = append(events,
		Event{Type: EventJoin, Key: key, Announcements: []models.Announcement{a}},
		Event{Type: EventSync},
	)
	out := h.fanoutLocked(c.topic, nil, events)
	h.mu.Unlock()
	deliver(out)
	return nil
}

func (c *memChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	if err := c.usableLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	out := c.untrackLocked()
	h.mu.Unlock()
	deliver(out)
	return nil
}

func (c *memChannel) untrackLocked() []delivery {
	if !c.tracked {
		return nil
	}
	c.tracked = false
	return c.hub.fanoutLocked(c.topic, nil, leaveAndSync(c.key, c.ann))
}

func (c *memChannel) PresenceState() models.PresenceState {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	state := models.PresenceState{}
	t := h.topics[c.topic]
	if t == nil {
		return state
	}
	for other := range t.channels {
		if other.tracked {
			state[other.key] = append(state[other.key], other.ann)
		}
	}
	return state
}

func (c *memChannel) Broadcast(ctx context.Context, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	if err := c.usableLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	body := append([]byte(nil), payload...)
	out := h.fanoutLocked(c.topic, c, []Event{{Type: EventBroadcast, Name: event, Payload: body}})
	h.mu.Unlock()
	deliver(out)
	return nil
}

func (c *memChannel) Leave(ctx context.Context) error {
	h := c.hub
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return nil
	}
	disconnected := c.disconnected
	c.closed = true
	c.handler = nil
	var out []delivery
	if !disconnected {
		out = c.untrackLocked()
	}
	if t := h.topics[c.topic]; t != nil {
		delete(t.channels, c)
	}
	h.dropEmptyLocked(c.topic)
	h.mu.Unlock()
	deliver(out)
	return nil
}

func (c *memChannel) usableLocked() error {
	if c.closed {
		return ErrChannelClosed
	}
	if c.disconnected {
		return ErrDisconnected
	}
	return nil
}

// fanoutLocked builds deliveries of events to every live channel of topic
// except skip.
func (h *Hub) fanoutLocked(topic string, skip *memChannel, events []Event) []delivery {
	t := h.topics[topic]
	if t == nil {
		return nil
	}
	var out []delivery
	for ch := range t.channels {
		if ch == skip || ch.closed || ch.disconnected || ch.handler == nil {
			continue
		}
		for _, e := range events {
			out = append(out, delivery{handler: ch.handler, event: e})
		}
	}
	return out
}

func (h *Hub) dropEmptyLocked(topic string) {
	t := h.topics[topic]
	if t == nil {
		return
	}
	for ch := range t.channels {
		if !ch.closed || ch.tracked {
			return
		}
	}
	delete(h.topics, topic)
}

func leaveAndSync(key string, a models.Announcement) []Event {
	return []Event{
		{Type: EventLeave, Key: key, Announcements: []models.Announcement{a}},
		{Type: EventSync},
	}
}

func deliver(out []delivery) {
	for _, d := range out {
		d.handler(d.event)
	}
}
