package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/vogiaan1904/actpresence/config"
	"github.com/vogiaan1904/actpresence/internal/metrics"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
	repo "github.com/vogiaan1904/actpresence/internal/repository/redis"
	"github.com/vogiaan1904/actpresence/internal/service"
	"github.com/vogiaan1904/actpresence/pkg/logger"
)

var (
	redisURL   = flag.String("redis", "localhost:6379", "Redis URL (host:port)")
	redisPass  = flag.String("password", "", "Redis password")
	actID      = flag.String("act", "", "Act ID to contend for (required)")
	numPeers   = flag.Int("peers", 5, "Number of participants opening the act")
	joinSpread = flag.Duration("join-spread", 300*time.Millisecond, "Window over which participants open the act")
	holdFor    = flag.Duration("hold", 3*time.Second, "How long a holder keeps the act before leaving")
	rounds     = flag.Int("rounds", 0, "Holders to cycle through before stopping (0 = every peer)")
	inMemory   = flag.Bool("inmem", false, "Use the in-process presence hub instead of Redis")
)

type sample struct {
	at     time.Time
	peer   string
	status string
}

type recorder struct {
	mu      sync.Mutex
	samples []sample
	holders map[string]bool
	maxHeld int
}

func (r *recorder) record(peer, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, sample{at: time.Now(), peer: peer, status: status})
	if status == "holder" {
		r.holders[peer] = true
	} else {
		delete(r.holders, peer)
	}
	if len(r.holders) > r.maxHeld {
		r.maxHeld = len(r.holders)
	}
}

func main() {
	flag.Parse()

	if *actID == "" {
		fmt.Println("Error: --act flag is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l := logger.NewNop()
	cfg := config.DefaultPresenceConfig()

	var transport presence.Transport
	if *inMemory {
		transport = presence.NewHub()
		fmt.Println("🧪 Using in-process presence hub")
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     *redisURL,
			Password: *redisPass,
			DB:       0,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			fmt.Printf("Failed to connect to Redis: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Connected to Redis at %s\n", *redisURL)

		transport = repo.NewRedisPresenceRepository(rdb, l, repo.PresenceOptions{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTTL:      cfg.HeartbeatTTL,
			MaxAge:            cfg.MaxAge,
		})
	}

	m := metrics.New()
	bc := service.NewChangeBroadcaster(nil, l)

	rec := &recorder{holders: make(map[string]bool)}
	id := models.ResourceID(*actID)
	svcs := make(map[string]service.LockService, *numPeers)
	acquired := make(chan string, *numPeers)

	for i := 0; i < *numPeers; i++ {
		peer := fmt.Sprintf("peer-%02d", i+1)
		svc := service.NewLockService(transport, bc, clockwork.NewRealClock(), m, l, peer, cfg)
		svcs[peer] = svc

		if step := int64(*joinSpread) / int64(*numPeers); step > 0 {
			time.Sleep(time.Duration(rand.Int63n(step)))
		}
		_, err := svc.Open(ctx, id, service.Callbacks{
			OnAcquired: func() {
				rec.record(peer, "holder")
				fmt.Printf("🔒 %s acquired act %s\n", peer, id)
				acquired <- peer
			},
			OnLockedByOther: func(holder string) {
				rec.record(peer, "locked_by:"+holder)
			},
		})
		if err != nil {
			fmt.Printf("❌ %s failed to open act: %v\n", peer, err)
			os.Exit(1)
		}
	}
	fmt.Printf("👥 %d participants opened act %s\n", *numPeers, id)

	want := *rounds
	if want <= 0 || want > *numPeers {
		want = *numPeers
	}

	for served := 0; served < want; served++ {
		select {
		case <-ctx.Done():
			served = want
		case peer := <-acquired:
			time.Sleep(*holdFor)
			rec.record(peer, "left")
			if err := svcs[peer].Close(ctx, id); err != nil {
				fmt.Printf("⚠️  %s close: %v\n", peer, err)
			}
			fmt.Printf("🔓 %s released act %s\n", peer, id)
		case <-time.After(*holdFor + 10*time.Second):
			fmt.Println("⏱️  no holder emerged, stopping")
			served = want
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
	defer closeCancel()
	for _, svc := range svcs {
		_ = svc.CloseAll(closeCtx)
	}

	printReport(rec)
}

func printReport(rec *recorder) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	sort.SliceStable(rec.samples, func(i, j int) bool { return rec.samples[i].at.Before(rec.samples[j].at) })

	fmt.Println("\n📊 Holder timeline")
	start := time.Time{}
	for _, s := range rec.samples {
		if start.IsZero() {
			start = s.at
		}
		if s.status == "holder" || s.status == "left" {
			fmt.Printf("  +%6.2fs  %-8s %s\n", s.at.Sub(start).Seconds(), s.peer, s.status)
		}
	}

	if rec.maxHeld > 1 {
		fmt.Printf("❌ %d participants believed they held the act at the same time\n", rec.maxHeld)
		return
	}
	fmt.Println("✅ never more than one holder at a time")
}
