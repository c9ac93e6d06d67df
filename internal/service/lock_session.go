package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/vogiaan1904/actpresence/internal/lock"
	"github.com/vogiaan1904/actpresence/internal/metrics"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

const trackTimeout = 5 * time.Second

// Callbacks receive lock outcomes for one open resource. They run on the
// session's loop goroutine, one at a time, and fire only when the state
// changes. Any of them may be nil.
type Callbacks struct {
	OnAcquired      func()
	OnLockedByOther func(holder string)
	OnCommitted     func(ev models.CommittedEvent)
}

// LockSession is one participant's claim on one resource. All protocol work
// happens on a single loop goroutine fed by a mailbox: transport events,
// delayed re-evaluations and barriers are handled strictly in arrival order.
type LockSession struct {
	resourceID models.ResourceID
	topic      string
	self       lock.Claimant
	ann        models.Announcement
	cb         Callbacks
	maxAge     time.Duration
	delays     []time.Duration

	clk clockwork.Clock
	bc  ChangeBroadcaster
	l   logger.Logger
	m   *metrics.Metrics
	// ctx is cancelled by Close so an in-flight track gives up.
	ctx    context.Context
	cancel context.CancelFunc

	ch   presence.Channel
	box  *mailbox
	stop chan struct{}
	done chan struct{}

	// loop goroutine only
	machine        lock.Machine
	tracked        bool
	trackAttempted bool

	inCallback atomic.Bool

	mu       sync.Mutex
	decision models.LockDecision
	timers   []clockwork.Timer
	closed   bool
	started  bool
}

type sessionParams struct {
	resourceID models.ResourceID
	topic      string
	key        string
	name       string
	instanceID string
	acquiredAt time.Time
	maxAge     time.Duration
	delays     []time.Duration
	cb         Callbacks
}

func newLockSession(ctx context.Context, p sessionParams, clk clockwork.Clock, bc ChangeBroadcaster, l logger.Logger, m *metrics.Metrics) *LockSession {
	ctx, cancel := context.WithCancel(ctx)
	return &LockSession{
		resourceID: p.resourceID,
		topic:      p.topic,
		self:       lock.Claimant{Key: p.key, AcquiredAt: p.acquiredAt},
		ann:        models.NewAnnouncement(p.name, p.resourceID, p.acquiredAt, p.instanceID),
		cb:         p.cb,
		maxAge:     p.maxAge,
		delays:     p.delays,
		clk:        clk,
		bc:         bc,
		l:          l,
		m:          m,
		ctx:        ctx,
		cancel:     cancel,
		box:        newMailbox(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		decision:   models.LockDecision{Status: models.LockStatusPending},
	}
}

// start joins the resource channel, announces the session and schedules the
// delayed re-evaluations.
func (s *LockSession) start(ctx context.Context, transport presence.Transport) error {
	ch, err := transport.Join(ctx, s.topic, s.onEvent)
	if err != nil {
		s.l.Errorf(s.ctx, "service.LockSession.start: %v", err)
		s.cancel()
		s.box.close()
		close(s.done)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Leave(ctx)
		close(s.done)
		return ErrSessionClosed
	}
	s.ch = ch
	s.started = true
	s.mu.Unlock()

	go s.run()
	s.box.put(message{kind: msgTrack})

	for _, d := range s.delays {
		t := s.clk.AfterFunc(d, func() {
			s.box.put(message{kind: msgRecheck})
		})
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			t.Stop()
			continue
		}
		s.timers = append(s.timers, t)
		s.mu.Unlock()
	}

	return nil
}

func (s *LockSession) ResourceID() models.ResourceID {
	return s.resourceID
}

// Key is the presence key this session announces under.
func (s *LockSession) Key() string {
	return s.self.Key
}

func (s *LockSession) Announcement() models.Announcement {
	return s.ann
}

// Decision returns the latest decision that caused a transition. It stays
// pending until the first holder or locked-by-other outcome.
func (s *LockSession) Decision() models.LockDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

// Done is closed when the loop goroutine has exited.
func (s *LockSession) Done() <-chan struct{} {
	return s.done
}

// Flush waits until every message posted before the call has been handled.
func (s *LockSession) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.box.put(message{kind: msgBarrier, done: done}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyCommitted broadcasts that this session's holder just persisted the
// resource.
func (s *LockSession) NotifyCommitted(ctx context.Context) error {
	s.mu.Lock()
	closed, d, ch := s.closed, s.decision, s.ch
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if !d.IsHolder() {
		return ErrNotHolder
	}

	return s.bc.Publish(ctx, ch, models.CommittedEvent{
		ResourceID:  s.resourceID,
		CommittedBy: s.ann.ParticipantKey,
		CommittedAt: s.clk.Now().UTC(),
	})
}

// Close cancels pending re-evaluations, leaves the channel and removes the
// announcement. It is idempotent and safe to call from a callback; no callback
// starts after it returns. It waits for the loop only until ctx is done, so a
// callback that is still running when ctx expires may finish afterwards.
func (s *LockSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started, ch := s.started, s.ch
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	close(s.stop)
	s.cancel()
	for _, m := range s.box.close() {
		m.release()
	}
	if !started {
		return nil
	}
	if !s.inCallback.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.l.Warnf(s.ctx, "service.LockSession.Close: loop still busy: %v", ctx.Err())
		}
	}

	if err := ch.Leave(ctx); err != nil {
		s.l.Warnf(s.ctx, "service.LockSession.Close: %v", err)
		return err
	}

	s.l.Debugf(s.ctx, "service.LockSession.Close: left %s", s.topic)
	return nil
}

func (s *LockSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *LockSession) onEvent(e presence.Event) {
	s.box.put(message{kind: msgEvent, event: e})
}

func (s *LockSession) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.box.notify:
			for _, m := range s.box.drain() {
				if s.isClosed() {
					m.release()
					continue
				}
				s.handle(m)
			}
		}
	}
}

func (s *LockSession) handle(m message) {
	switch m.kind {
	case msgBarrier:
		m.release()
		return

	case msgTrack:
		s.track()

	case msgRecheck:
		s.retryTrack()

	case msgEvent:
		switch m.event.Type {
		case presence.EventReconnect:
			s.l.Infof(s.ctx, "service.LockSession.handle: reconnected, re-announcing")
			s.tracked = false
			s.track()
		case presence.EventBroadcast:
			s.retryTrack()
			s.receive(m.event)
			return
		default:
			s.retryTrack()
		}
	}

	s.evaluate()
}

// track announces the session with its original acquisition time. A failure
// leaves the session pending; the next message retries.
func (s *LockSession) track() {
	if s.isClosed() {
		return
	}
	s.trackAttempted = true
	ctx, cancel := context.WithTimeout(s.ctx, trackTimeout)
	defer cancel()

	if err := s.ch.Track(ctx, s.self.Key, s.ann); err != nil {
		s.tracked = false
		s.m.TrackFailed()
		s.l.Warnf(s.ctx, "service.LockSession.track: %v", err)
		return
	}
	s.tracked = true
}

func (s *LockSession) retryTrack() {
	if s.trackAttempted && !s.tracked {
		s.track()
	}
}

func (s *LockSession) evaluate() {
	set := models.ParticipantsFromState(s.ch.PresenceState(), s.resourceID)
	kept, evicted := lock.FilterStale(set, s.clk.Now(), s.maxAge)
	if len(evicted) > 0 {
		s.m.StaleEvicted(len(evicted))
		s.l.Debugf(s.ctx, "service.LockSession.evaluate: ignoring stale claims %v", evicted)
	}

	tr := s.machine.Apply(lock.Decide(kept, s.self))
	if tr.Kind == lock.TransitionNone {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.decision = s.machine.Decision()
	s.mu.Unlock()

	s.m.Transition(tr.To.String())
	s.l.Infof(s.ctx, "service.LockSession.evaluate: %s -> %s (holder=%s)", tr.From, tr.To, tr.HolderName)

	switch tr.Kind {
	case lock.TransitionAcquired:
		if s.cb.OnAcquired != nil {
			s.callback(s.cb.OnAcquired)
		}
	case lock.TransitionLockedByOther:
		if s.cb.OnLockedByOther != nil {
			holder := tr.HolderName
			s.callback(func() { s.cb.OnLockedByOther(holder) })
		}
	}
}

func (s *LockSession) receive(e presence.Event) {
	if e.Name != models.EventCommitted {
		return
	}
	ev, err := DecodeCommitted(s.resourceID, e.Payload)
	if err != nil {
		s.l.Debugf(s.ctx, "service.LockSession.receive: %v", err)
		return
	}
	if s.cb.OnCommitted != nil && !s.isClosed() {
		s.callback(func() { s.cb.OnCommitted(ev) })
	}
}

func (s *LockSession) callback(f func()) {
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	f()
}
