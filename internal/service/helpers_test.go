package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/vogiaan1904/actpresence/config"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type cbRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *cbRecorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *cbRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *cbRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

func (r *cbRecorder) callbacks() Callbacks {
	return Callbacks{
		OnAcquired:      func() { r.add("acquired") },
		OnLockedByOther: func(holder string) { r.add("locked:" + holder) },
		OnCommitted:     func(ev models.CommittedEvent) { r.add("committed:" + ev.CommittedBy) },
	}
}

func newTestLockService(transport presence.Transport, clk clockwork.Clock, name string, mutate ...func(*config.PresenceConfig)) LockService {
	cfg := config.DefaultPresenceConfig()
	for _, f := range mutate {
		f(&cfg)
	}
	return NewLockService(transport, NewChangeBroadcaster(nil, logger.NewNop()), clk, nil, logger.NewNop(), name, cfg)
}

// settle drains the mailboxes of sessions until deliveries between them have
// been processed.
func settle(t *testing.T, sessions ...*LockSession) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		for _, s := range sessions {
			if s.isClosed() {
				continue
			}
			require.NoError(t, s.Flush(ctx))
		}
	}
}

// scriptedTransport hands out channels whose state and events are driven by
// the test.
type scriptedTransport struct {
	mu       sync.Mutex
	joinErr  error
	trackErr error
	// hangTrack makes Track block until its context ends.
	hangTrack bool
	// stuckTrack, when set, makes Track ignore its context and wait for the
	// channel to close.
	stuckTrack chan struct{}
	chans      []*scriptedChannel
}

func (s *scriptedTransport) Join(ctx context.Context, topic string, h presence.Handler) (presence.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinErr != nil {
		return nil, s.joinErr
	}
	ch := &scriptedChannel{topic: topic, handler: h, state: models.PresenceState{}, trackErr: s.trackErr, hangTrack: s.hangTrack, stuckTrack: s.stuckTrack}
	s.chans = append(s.chans, ch)
	return ch, nil
}

func (s *scriptedTransport) last() *scriptedChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chans[len(s.chans)-1]
}

type scriptedChannel struct {
	mu         sync.Mutex
	topic      string
	handler    presence.Handler
	state      models.PresenceState
	tracks     []models.Announcement
	trackErr   error
	hangTrack  bool
	stuckTrack chan struct{}
	leaveCtx   error
	untracked  bool
	left       bool
	broadcasts [][]byte
}

func (c *scriptedChannel) Topic() string { return c.topic }

func (c *scriptedChannel) Track(ctx context.Context, key string, a models.Announcement) error {
	c.mu.Lock()
	c.tracks = append(c.tracks, a)
	hang, stuck, err := c.hangTrack, c.stuckTrack, c.trackErr
	c.mu.Unlock()

	if stuck != nil {
		<-stuck
		return err
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *scriptedChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	c.untracked = true
	c.mu.Unlock()
	return nil
}

func (c *scriptedChannel) PresenceState() models.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(models.PresenceState, len(c.state))
	for k, v := range c.state {
		out[k] = append([]models.Announcement(nil), v...)
	}
	return out
}

func (c *scriptedChannel) Broadcast(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	c.broadcasts = append(c.broadcasts, payload)
	c.mu.Unlock()
	return nil
}

func (c *scriptedChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.leaveCtx = ctx.Err()
	c.left = true
	c.untracked = true
	c.handler = nil
	c.mu.Unlock()
	return nil
}

func (c *scriptedChannel) setState(anns ...models.Announcement) {
	c.mu.Lock()
	c.state = models.PresenceState{}
	for _, a := range anns {
		c.state[a.ParticipantKey] = append(c.state[a.ParticipantKey], a)
	}
	c.mu.Unlock()
}

func (c *scriptedChannel) emit(e presence.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (c *scriptedChannel) trackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

func (c *scriptedChannel) tracked(i int) models.Announcement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks[i]
}

// waiters blocks until clk has exactly n pending timers.
func waiters(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, n), "expected %d pending timers", n)
}

func errTrack(n int) error {
	return fmt.Errorf("transport unavailable (%d)", n)
}
