package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vogiaan1904/actpresence/internal/models"
	repository "github.com/vogiaan1904/actpresence/internal/repository/redis"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

type ViewMode string

const (
	ViewLoading  ViewMode = "loading"
	ViewEditable ViewMode = "editable"
	ViewReadOnly ViewMode = "read_only"
)

// ActObserver is told how an opened act should be presented. Calls come from
// the lock session's loop and never overlap.
type ActObserver struct {
	OnEditable  func(act models.Act)
	OnReadOnly  func(act models.Act, holder string)
	OnRefreshed func(act models.Act)
}

// ActView is the local copy of an opened act and whether it may be edited.
type ActView struct {
	mu     sync.RWMutex
	act    models.Act
	mode   ViewMode
	holder string
}

func (v *ActView) Act() models.Act {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.act
}

func (v *ActView) Mode() ViewMode {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mode
}

// Holder names who holds the act while the view is read-only.
func (v *ActView) Holder() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.holder
}

func (v *ActView) set(act *models.Act, mode ViewMode, holder string) models.Act {
	v.mu.Lock()
	defer v.mu.Unlock()
	if act != nil {
		v.act = *act
	}
	if mode != "" {
		v.mode = mode
		v.holder = holder
	}
	return v.act
}

type ActService interface {
	Create(ctx context.Context, act *models.Act) error
	Get(ctx context.Context, id models.ResourceID) (*models.Act, error)
	List(ctx context.Context) ([]models.Act, error)
	// OpenAct loads the act and contends for its lock. The view starts in
	// loading mode and follows the lock outcome.
	OpenAct(ctx context.Context, id models.ResourceID, obs ActObserver) (*ActView, error)
	// Save applies patch as the holder and tells other viewers to refresh.
	Save(ctx context.Context, id models.ResourceID, patch models.ActPatch) (*models.Act, error)
	CloseAct(ctx context.Context, id models.ResourceID) error
	History(ctx context.Context, id models.ResourceID, limit int64) ([]models.CommittedEvent, error)
}

type actService struct {
	repo      repository.ActRepository
	lockSvc   LockService
	history   HistoryService
	l         logger.Logger
	markerTTL time.Duration

	mu    sync.Mutex
	views map[models.ResourceID]*ActView
}

func NewActService(repo repository.ActRepository, lockSvc LockService, history HistoryService, l logger.Logger, markerTTL time.Duration) ActService {
	if markerTTL <= 0 {
		markerTTL = 10 * time.Second
	}
	return &actService{
		repo:      repo,
		lockSvc:   lockSvc,
		history:   history,
		l:         l,
		markerTTL: markerTTL,
		views:     make(map[models.ResourceID]*ActView),
	}
}

func (s *actService) Create(ctx context.Context, act *models.Act) error {
	if act.ID == "" {
		return ErrInvalidResource
	}
	return s.repo.Create(ctx, act)
}

func (s *actService) Get(ctx context.Context, id models.ResourceID) (*models.Act, error) {
	return s.repo.Get(ctx, id)
}

func (s *actService) List(ctx context.Context) ([]models.Act, error) {
	return s.repo.List(ctx)
}

func (s *actService) OpenAct(ctx context.Context, id models.ResourceID, obs ActObserver) (*ActView, error) {
	act, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &ActView{act: *act, mode: ViewLoading}
	bgCtx := context.WithoutCancel(ctx)

	_, err = s.lockSvc.Open(ctx, id, Callbacks{
		OnAcquired: func() {
			// Start editing from the latest stored copy.
			current := s.reload(bgCtx, id)
			got := view.set(current, ViewEditable, "")
			if obs.OnEditable != nil {
				obs.OnEditable(got)
			}
		},
		OnLockedByOther: func(holder string) {
			got := view.set(nil, ViewReadOnly, holder)
			if obs.OnReadOnly != nil {
				obs.OnReadOnly(got, holder)
			}
		},
		OnCommitted: func(ev models.CommittedEvent) {
			current := s.reload(bgCtx, id)
			if current == nil {
				return
			}
			got := view.set(current, "", "")
			if obs.OnRefreshed != nil {
				obs.OnRefreshed(got)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for other := range s.views {
		if _, open := s.lockSvc.Session(other); !open {
			delete(s.views, other)
		}
	}
	s.views[id] = view
	s.mu.Unlock()

	return view, nil
}

func (s *actService) Save(ctx context.Context, id models.ResourceID, patch models.ActPatch) (*models.Act, error) {
	if patch.IsEmpty() {
		return nil, ErrEmptyPatch
	}

	sess, ok := s.lockSvc.Session(id)
	if !ok {
		return nil, ErrResourceNotOpen
	}
	if d := sess.Decision(); !d.IsHolder() {
		if d.IsLockedByOther() {
			return nil, fmt.Errorf("%w: held by %s", ErrReadOnlyView, d.HolderName)
		}
		return nil, ErrNotHolder
	}

	s.mu.Lock()
	view := s.views[id]
	s.mu.Unlock()
	if view == nil {
		return nil, ErrResourceNotOpen
	}

	editor := s.lockSvc.Participant()
	if err := s.repo.AcquireEditMarker(ctx, id, editor, s.markerTTL); err != nil {
		s.l.Warnf(ctx, "service.actService.Save: %v", err)
		return nil, err
	}
	defer func() {
		if err := s.repo.ReleaseEditMarker(context.WithoutCancel(ctx), id, editor); err != nil {
			s.l.Warnf(ctx, "service.actService.Save: release marker: %v", err)
		}
	}()

	next := patch.Apply(view.Act())
	next.UpdatedBy = editor
	if err := s.repo.Update(ctx, &next); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			if current := s.reload(ctx, id); current != nil {
				view.set(current, "", "")
			}
		}
		s.l.Errorf(ctx, "service.actService.Save: %v", err)
		return nil, err
	}
	view.set(&next, "", "")

	if err := s.lockSvc.NotifyCommitted(ctx, id); err != nil {
		// Saved; viewers will pick it up on their next open.
		s.l.Warnf(ctx, "service.actService.Save: notify: %v", err)
	}

	return &next, nil
}

func (s *actService) CloseAct(ctx context.Context, id models.ResourceID) error {
	s.mu.Lock()
	delete(s.views, id)
	s.mu.Unlock()

	return s.lockSvc.Close(ctx, id)
}

func (s *actService) History(ctx context.Context, id models.ResourceID, limit int64) ([]models.CommittedEvent, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, id, limit)
}

func (s *actService) reload(ctx context.Context, id models.ResourceID) *models.Act {
	act, err := s.repo.Get(ctx, id)
	if err != nil {
		s.l.Warnf(ctx, "service.actService.reload: %v", err)
		return nil
	}
	return act
}
