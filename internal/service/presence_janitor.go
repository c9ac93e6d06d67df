package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vogiaan1904/actpresence/internal/metrics"
	repository "github.com/vogiaan1904/actpresence/internal/repository/redis"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

// PresenceJanitor periodically removes presence entries left behind by
// participants that vanished without leaving, so the remaining participants
// reconverge without waiting for the stale filter.
type PresenceJanitor interface {
	Start(ctx context.Context) error
	Stop() error
	SweepAll(ctx context.Context) (int, error)
	GetStatus() JanitorStatus
}

type JanitorStatus struct {
	IsRunning    bool      `json:"is_running"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastSwept    time.Time `json:"last_swept,omitempty"`
	TotalRemoved int64     `json:"total_removed"`
	ErrorCount   int64     `json:"error_count"`
}

type JanitorConfig struct {
	SweepInterval   time.Duration
	MaxAge          time.Duration
	SweepTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type presenceJanitor struct {
	repo   repository.PresenceRepository
	m      *metrics.Metrics
	logger logger.Logger
	config JanitorConfig

	mu        sync.RWMutex
	isRunning bool
	startedAt time.Time
	stopCh    chan struct{}
	ticker    *time.Ticker
	wg        sync.WaitGroup

	lastSwept    time.Time
	totalRemoved int64
	errorCount   int64
}

func NewPresenceJanitor(repo repository.PresenceRepository, m *metrics.Metrics, logger logger.Logger, cfg JanitorConfig) PresenceJanitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &presenceJanitor{
		repo:   repo,
		m:      m,
		logger: logger,
		config: cfg,
	}
}

func (j *presenceJanitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.isRunning {
		return errors.New("presence janitor is already running")
	}

	j.logger.Infof(ctx, "Starting presence janitor: interval=%s max_age=%s", j.config.SweepInterval, j.config.MaxAge)

	j.isRunning = true
	j.startedAt = time.Now()
	j.stopCh = make(chan struct{})
	j.ticker = time.NewTicker(j.config.SweepInterval)

	j.wg.Add(1)
	go j.sweepLoop(ctx, j.ticker, j.stopCh)

	return nil
}

func (j *presenceJanitor) Stop() error {
	j.mu.Lock()
	if !j.isRunning || j.stopCh == nil {
		j.mu.Unlock()
		return errors.New("presence janitor is not running")
	}

	j.logger.Info(context.Background(), "Stopping presence janitor...")

	close(j.stopCh)
	j.stopCh = nil
	j.ticker.Stop()
	j.mu.Unlock()

	// A sweep in progress needs the lock to record its result.
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info(context.Background(), "Presence janitor stopped gracefully")
	case <-time.After(j.config.ShutdownTimeout):
		j.logger.Warn(context.Background(), "Presence janitor shutdown timeout exceeded")
	}

	j.mu.Lock()
	j.isRunning = false
	j.mu.Unlock()
	return nil
}

func (j *presenceJanitor) sweepLoop(ctx context.Context, ticker *time.Ticker, stopCh <-chan struct{}) {
	defer j.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := j.SweepAll(ctx); err != nil {
				j.logger.Errorf(ctx, "service.presenceJanitor.sweepLoop: %v", err)
			}
		}
	}
}

// SweepAll sweeps every known topic once. A failing topic does not stop the
// others; the first error is returned.
func (j *presenceJanitor) SweepAll(ctx context.Context) (int, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, j.config.SweepTimeout)
	defer cancel()

	topics, err := j.repo.ListTopics(sweepCtx)
	if err != nil {
		j.recordError()
		j.m.Swept(0, err)
		return 0, err
	}

	var (
		total    int
		firstErr error
	)
	now := time.Now().UTC()
	for _, topic := range topics {
		removed, err := j.repo.Sweep(sweepCtx, topic, now, j.config.MaxAge)
		total += removed
		if err != nil {
			j.recordError()
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	j.mu.Lock()
	j.lastSwept = now
	j.totalRemoved += int64(total)
	j.mu.Unlock()

	j.m.Swept(total, firstErr)
	if total > 0 {
		j.logger.Infof(ctx, "Presence janitor removed %d entries across %d topics", total, len(topics))
	}

	return total, firstErr
}

func (j *presenceJanitor) GetStatus() JanitorStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return JanitorStatus{
		IsRunning:    j.isRunning,
		StartedAt:    j.startedAt,
		LastSwept:    j.lastSwept,
		TotalRemoved: j.totalRemoved,
		ErrorCount:   j.errorCount,
	}
}

func (j *presenceJanitor) recordError() {
	j.mu.Lock()
	j.errorCount++
	j.mu.Unlock()
}
