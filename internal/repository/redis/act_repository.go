package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

type ActRepository interface {
	Create(ctx context.Context, act *models.Act) error
	Get(ctx context.Context, id models.ResourceID) (*models.Act, error)
	List(ctx context.Context) ([]models.Act, error)
	// Update writes act only if the stored version still equals act.Version,
	// then bumps act.Version.
	Update(ctx context.Context, act *models.Act) error

	AcquireEditMarker(ctx context.Context, id models.ResourceID, editor string, ttl time.Duration) error
	ReleaseEditMarker(ctx context.Context, id models.ResourceID, editor string) error
	EditMarker(ctx context.Context, id models.ResourceID) (string, error)
}

var (
	createActScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
		redis.call('SADD', KEYS[2], ARGV[3])
		return 1
	`)

	updateActScript = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'version')
		if not current then
			return -1
		end
		if tonumber(current) ~= tonumber(ARGV[1]) then
			return 0
		end
		redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
		return 1
	`)

	releaseMarkerScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
)

type redisActRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisActRepository(cli *redis.Client, l logger.Logger) ActRepository {
	return &redisActRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisActRepository) Create(ctx context.Context, act *models.Act) error {
	now := time.Now().UTC()
	if act.CreatedAt.IsZero() {
		act.CreatedAt = now
	}
	act.UpdatedAt = now
	if act.Version == 0 {
		act.Version = 1
	}
	if act.Status == "" {
		act.Status = models.ActStatusDraft
	}

	data, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("failed to marshal act: %w", err)
	}

	res, err := createActScript.Run(ctx, r.cli, []string{r.actKey(act.ID), r.indexKey()}, act.Version, data, string(act.ID)).Int()
	if err != nil {
		r.l.Errorf(ctx, "redisActRepository.Create: %v", err)
		return err
	}
	if res == 0 {
		return ErrActAlreadyExists
	}

	r.l.Debugf(ctx, "redisActRepository.Create: act=%s", act.ID)
	return nil
}

func (r *redisActRepository) Get(ctx context.Context, id models.ResourceID) (*models.Act, error) {
	data, err := r.cli.HGet(ctx, r.actKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrActNotFound
		}
		r.l.Errorf(ctx, "redisActRepository.Get: %v", err)
		return nil, err
	}

	var act models.Act
	if err := json.Unmarshal(data, &act); err != nil {
		r.l.Errorf(ctx, "redisActRepository.Get: %v", err)
		return nil, err
	}

	return &act, nil
}

func (r *redisActRepository) List(ctx context.Context) ([]models.Act, error) {
	ids, err := r.cli.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisActRepository.List: %v", err)
		return nil, err
	}

	cmds := make([]*redis.StringCmd, len(ids))
	if _, err := r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, r.actKey(models.ResourceID(id)), "data")
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		r.l.Errorf(ctx, "redisActRepository.List: %v", err)
		return nil, err
	}

	acts := make([]models.Act, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var act models.Act
		if err := json.Unmarshal(data, &act); err != nil {
			r.l.Warnf(ctx, "redisActRepository.List: %v", err)
			continue
		}
		acts = append(acts, act)
	}

	return acts, nil
}

func (r *redisActRepository) Update(ctx context.Context, act *models.Act) error {
	expected := act.Version
	next := *act
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal act: %w", err)
	}

	res, err := updateActScript.Run(ctx, r.cli, []string{r.actKey(act.ID)}, expected, next.Version, data).Int()
	if err != nil {
		r.l.Errorf(ctx, "redisActRepository.Update: %v", err)
		return err
	}

	switch res {
	case -1:
		return ErrActNotFound
	case 0:
		return ErrVersionConflict
	}

	*act = next
	r.l.Debugf(ctx, "redisActRepository.Update: act=%s version=%d", act.ID, act.Version)
	return nil
}

// AcquireEditMarker writes editor as the act's marker unless someone else
// holds it. Re-acquiring one's own marker extends it.
func (r *redisActRepository) AcquireEditMarker(ctx context.Context, id models.ResourceID, editor string, ttl time.Duration) error {
	key := r.markerKey(id)

	// A marker that expires between SETNX and GET leaves nothing to compare
	// against, so the claim is attempted once more.
	var current string
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.cli.SetNX(ctx, key, editor, ttl).Result()
		if err != nil {
			r.l.Errorf(ctx, "redisActRepository.AcquireEditMarker: %v", err)
			return err
		}
		if ok {
			return nil
		}

		current, err = r.cli.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			r.l.Errorf(ctx, "redisActRepository.AcquireEditMarker: %v", err)
			return err
		}
		if current == editor {
			return r.cli.Expire(ctx, key, ttl).Err()
		}
		break
	}

	return fmt.Errorf("%w: %s", ErrMarkerHeld, current)
}

func (r *redisActRepository) ReleaseEditMarker(ctx context.Context, id models.ResourceID, editor string) error {
	if err := releaseMarkerScript.Run(ctx, r.cli, []string{r.markerKey(id)}, editor).Err(); err != nil {
		r.l.Errorf(ctx, "redisActRepository.ReleaseEditMarker: %v", err)
		return err
	}
	return nil
}

func (r *redisActRepository) EditMarker(ctx context.Context, id models.ResourceID) (string, error) {
	editor, err := r.cli.Get(ctx, r.markerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return editor, err
}

func (r *redisActRepository) actKey(id models.ResourceID) string {
	return fmt.Sprintf("act:%s", id)
}

func (r *redisActRepository) indexKey() string {
	return "act:index"
}

func (r *redisActRepository) markerKey(id models.ResourceID) string {
	return fmt.Sprintf("act:%s:editor", id)
}
