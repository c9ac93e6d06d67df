package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/vogiaan1904/actpresence/config"
	"github.com/vogiaan1904/actpresence/internal/metrics"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
	"github.com/vogiaan1904/actpresence/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// LockService owns the lock sessions of one participant process.
type LockService interface {
	// Open starts contending for id. In single-active mode every other open
	// session is closed first.
	Open(ctx context.Context, id models.ResourceID, cb Callbacks) (*LockSession, error)
	Close(ctx context.Context, id models.ResourceID) error
	// NotifyCommitted tells other viewers of id to re-fetch. Only the holder
	// may call it.
	NotifyCommitted(ctx context.Context, id models.ResourceID) error
	Session(id models.ResourceID) (*LockSession, bool)
	OpenResources() []models.ResourceID
	CloseAll(ctx context.Context) error
	Participant() string
}

type lockService struct {
	transport   presence.Transport
	bc          ChangeBroadcaster
	clk         clockwork.Clock
	m           *metrics.Metrics
	l           logger.Logger
	participant string
	cfg         config.PresenceConfig

	mu       sync.Mutex
	sessions map[models.ResourceID]*LockSession
}

func NewLockService(
	transport presence.Transport,
	bc ChangeBroadcaster,
	clk clockwork.Clock,
	m *metrics.Metrics,
	l logger.Logger,
	participant string,
	cfg config.PresenceConfig,
) LockService {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &lockService{
		transport:   transport,
		bc:          bc,
		clk:         clk,
		m:           m,
		l:           l,
		participant: participant,
		cfg:         cfg,
		sessions:    make(map[models.ResourceID]*LockSession),
	}
}

func (s *lockService) Participant() string {
	return s.participant
}

func (s *lockService) Open(ctx context.Context, id models.ResourceID, cb Callbacks) (*LockSession, error) {
	if id == "" {
		return nil, ErrInvalidResource
	}

	instanceID := uuid.NewString()
	key := s.participant
	if s.cfg.UniqueSessionKeys {
		key = s.participant + "#" + instanceID[:8]
	}
	acquiredAt := s.clk.Now().UTC().Truncate(time.Millisecond)

	sessCtx := s.l.WithFields(context.WithoutCancel(ctx),
		"resource_id", string(id),
		"participant", key,
	)
	sess := newLockSession(sessCtx, sessionParams{
		resourceID: id,
		topic:      presence.Topic(s.cfg.ChannelPrefix, id),
		key:        key,
		name:       s.participant,
		instanceID: instanceID,
		acquiredAt: acquiredAt,
		maxAge:     s.cfg.MaxAge,
		delays:     s.cfg.RecheckDelays,
		cb:         cb,
	}, s.clk, s.bc, s.l, s.m)

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, ErrResourceAlreadyOpen
	}
	var others []*LockSession
	if s.cfg.SingleActive {
		for otherID, other := range s.sessions {
			others = append(others, other)
			delete(s.sessions, otherID)
		}
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	for _, other := range others {
		if err := other.Close(ctx); err != nil {
			s.l.Warnf(ctx, "service.lockService.Open: closing %s: %v", other.ResourceID(), err)
		}
		s.m.SessionClosed()
	}

	if err := sess.start(ctx, s.transport); err != nil {
		s.mu.Lock()
		if s.sessions[id] == sess {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return nil, err
	}

	s.m.SessionOpened()
	s.l.Infof(sessCtx, "service.lockService.Open: opened %s as %s", id, key)
	return sess, nil
}

func (s *lockService) Close(ctx context.Context, id models.ResourceID) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	s.m.SessionClosed()
	return sess.Close(ctx)
}

func (s *lockService) NotifyCommitted(ctx context.Context, id models.ResourceID) error {
	sess, ok := s.Session(id)
	if !ok {
		s.m.Commit("not_open")
		return ErrResourceNotOpen
	}

	if err := sess.NotifyCommitted(ctx); err != nil {
		if errors.Is(err, ErrNotHolder) {
			s.m.Commit("not_holder")
		} else {
			s.m.Commit("error")
		}
		return err
	}

	s.m.Commit("ok")
	return nil
}

func (s *lockService) Session(id models.ResourceID) (*LockSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *lockService) OpenResources() []models.ResourceID {
	s.mu.Lock()
	ids := make([]models.ResourceID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseAll closes every open session concurrently.
func (s *lockService) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*LockSession, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			s.m.SessionClosed()
			return sess.Close(ctx)
		})
	}
	return g.Wait()
}
