package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/vogiaan1904/actpresence/config"
	"github.com/vogiaan1904/actpresence/internal/infra/redis"
	"github.com/vogiaan1904/actpresence/internal/metrics"
	repo "github.com/vogiaan1904/actpresence/internal/repository/redis"
	pkgLog "github.com/vogiaan1904/actpresence/pkg/logger"
)

var (
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:           "actlock",
		Short:         "Inspect and edit repair acts guarded by the presence lock",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// app bundles the collaborators every command needs.
type app struct {
	cfg      *config.Config
	l        pkgLog.Logger
	cli      *goredis.Client
	m        *metrics.Metrics
	presence repo.PresenceRepository
	acts     repo.ActRepository
	commits  repo.CommitRepository
}

func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	cli, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	a := &app{
		cfg: cfg,
		l:   l,
		cli: cli,
		m:   metrics.New(),
		presence: repo.NewRedisPresenceRepository(cli, l, repo.PresenceOptions{
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			HeartbeatTTL:      cfg.Presence.HeartbeatTTL,
			MaxAge:            cfg.Presence.MaxAge,
		}),
		acts:    repo.NewRedisActRepository(cli, l),
		commits: repo.NewRedisCommitRepository(cli, l, cfg.Presence.CommitHistorySize),
	}

	return a, func() { redis.Disconnect(cli) }, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmtErr("encode json: %v", err)
	}
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
