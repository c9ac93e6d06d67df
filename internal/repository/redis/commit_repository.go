package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

// CommitRepository keeps a capped, newest-first history of committed events
// per act.
type CommitRepository interface {
	Append(ctx context.Context, ev models.CommittedEvent) error
	List(ctx context.Context, id models.ResourceID, limit int64) ([]models.CommittedEvent, error)
}

type redisCommitRepository struct {
	cli  *redis.Client
	l    logger.Logger
	size int64
}

func NewRedisCommitRepository(cli *redis.Client, l logger.Logger, size int) CommitRepository {
	if size <= 0 {
		size = 50
	}
	return &redisCommitRepository{
		cli:  cli,
		l:    l,
		size: int64(size),
	}
}

func (r *redisCommitRepository) Append(ctx context.Context, ev models.CommittedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal committed event: %w", err)
	}

	key := r.historyKey(ev.ResourceID)
	pipe := r.cli.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.size-1)

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisCommitRepository.Append: %v", err)
		return err
	}

	return nil
}

func (r *redisCommitRepository) List(ctx context.Context, id models.ResourceID, limit int64) ([]models.CommittedEvent, error) {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}

	raw, err := r.cli.LRange(ctx, r.historyKey(id), 0, limit-1).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisCommitRepository.List: %v", err)
		return nil, err
	}

	out := make([]models.CommittedEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.CommittedEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			r.l.Warnf(ctx, "redisCommitRepository.List: %v", err)
			continue
		}
		out = append(out, ev)
	}

	return out, nil
}

func (r *redisCommitRepository) historyKey(id models.ResourceID) string {
	return fmt.Sprintf("act:%s:commits", id)
}
