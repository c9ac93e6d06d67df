package service

import (
	"context"

	"github.com/vogiaan1904/actpresence/internal/models"
	repository "github.com/vogiaan1904/actpresence/internal/repository/redis"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

// HistoryService records committed events mirrored through Kafka so operators
// can see who saved an act and when.
type HistoryService interface {
	Record(ctx context.Context, ev models.CommittedEvent) error
	List(ctx context.Context, id models.ResourceID, limit int64) ([]models.CommittedEvent, error)
}

type historyService struct {
	repo repository.CommitRepository
	l    logger.Logger
}

func NewHistoryService(repo repository.CommitRepository, l logger.Logger) HistoryService {
	return &historyService{
		repo: repo,
		l:    l,
	}
}

func (s *historyService) Record(ctx context.Context, ev models.CommittedEvent) error {
	if ev.ResourceID == "" {
		return ErrInvalidCommitEvent
	}

	if err := s.repo.Append(ctx, ev); err != nil {
		s.l.Errorf(ctx, "service.historyService.Record: %v", err)
		return err
	}

	s.l.Debugf(ctx, "service.historyService.Record: act=%s by=%s", ev.ResourceID, ev.CommittedBy)
	return nil
}

func (s *historyService) List(ctx context.Context, id models.ResourceID, limit int64) ([]models.CommittedEvent, error) {
	return s.repo.List(ctx, id, limit)
}
