package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vogiaan1904/actpresence/pkg/logger"
)

// LifecycleGuard releases every open session when the hosting process is
// about to go away: on a termination signal or an explicit Fire from the
// host, such as its UI being hidden or its connection dropping. Release is
// best effort and bounded by a timeout; heartbeat expiry and the stale filter
// cover whatever it misses.
type LifecycleGuard struct {
	svc     LockService
	l       logger.Logger
	timeout time.Duration
	signals []os.Signal

	triggers chan string
	released chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewLifecycleGuard(svc LockService, l logger.Logger, timeout time.Duration) *LifecycleGuard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &LifecycleGuard{
		svc:      svc,
		l:        l,
		timeout:  timeout,
		signals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP},
		triggers: make(chan string, 8),
		released: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for termination signals and Fire calls.
func (g *LifecycleGuard) Start(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, g.signals...)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case sig := <-sigCh:
				g.release(ctx, "signal "+sig.String())
			case reason := <-g.triggers:
				g.release(ctx, reason)
			}
		}
	}()
}

// Fire asks the guard to release every open session. It never blocks.
func (g *LifecycleGuard) Fire(reason string) {
	select {
	case g.triggers <- reason:
	default:
	}
}

// Released is closed after the first release has finished.
func (g *LifecycleGuard) Released() <-chan struct{} {
	return g.released
}

// Stop ends signal watching without releasing anything.
func (g *LifecycleGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *LifecycleGuard) release(ctx context.Context, reason string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	open := g.svc.OpenResources()
	if err := g.svc.CloseAll(relCtx); err != nil {
		g.l.Warnf(ctx, "service.LifecycleGuard.release: %s: %v", reason, err)
	} else if len(open) > 0 {
		g.l.Infof(ctx, "service.LifecycleGuard.release: %s: released %v", reason, open)
	}

	g.once.Do(func() { close(g.released) })
}
