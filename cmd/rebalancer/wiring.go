package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/drs"
	"github.com/limiquantix/rebalancer/internal/executor"
	"github.com/limiquantix/rebalancer/internal/repository/consul"
	"github.com/limiquantix/rebalancer/internal/repository/etcd"
	"github.com/limiquantix/rebalancer/internal/repository/memory"
	"github.com/limiquantix/rebalancer/internal/repository/postgres"
	"github.com/limiquantix/rebalancer/internal/repository/redis"
	"github.com/limiquantix/rebalancer/internal/repository/sqlite"
	"github.com/limiquantix/rebalancer/internal/server"
)

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}

func newExecutor(cfg *config.Config, logger *zap.Logger) *executor.Executor {
	var migrator executor.Migrator
	switch cfg.Executor.Driver {
	case "libvirt":
		migrator = executor.NewLibvirtMigrator(cfg.Executor.NodeURI, logger)
	default:
		migrator = executor.NewLogMigrator(logger)
	}
	return executor.New(cfg.Balancing, migrator, logger)
}

// backends holds the infrastructure connections selected by the config.
type backends struct {
	plans  drs.PlanRepository
	db     *postgres.DB
	sqlite *sqlite.PlanRepository
	cache  *redis.Cache
	etcd   *etcd.Client

	closers []func()
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	switch cfg.Storage.Backend {
	case "postgres":
		b.db, err = postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, b.db.Close)
		b.plans = postgres.NewPlanRepository(b.db, logger)
	case "sqlite":
		b.sqlite, err = sqlite.NewPlanRepository(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { b.sqlite.Close() })
		b.plans = b.sqlite
	default:
		b.plans = memory.NewPlanRepository()
	}

	if cfg.Redis.Enabled {
		b.cache, err = redis.NewCache(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { b.cache.Close() })
	}

	logger.Info("Backends initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("redis", b.cache != nil),
	)
	return b, nil
}

// campaign joins leader election when a coordination backend is configured.
func (b *backends) campaign(ctx context.Context, cfg *config.Config, logger *zap.Logger) (drs.LeaderChecker, error) {
	identity := fmt.Sprintf("%s-%d", hostname(), os.Getpid())

	switch cfg.Coordination.Backend {
	case "etcd":
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return nil, err
		}
		b.etcd = client
		leader, err := client.CampaignForLeader(ctx, cfg.Coordination.Election, identity, func(isLeader bool) {
			logger.Info("Leadership changed", zap.Bool("leader", isLeader))
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := leader.Resign(context.Background()); err != nil {
				logger.Warn("Failed to resign leadership", zap.Error(err))
			}
			client.Close()
		})
		return leader, nil
	case "consul":
		leader, err := consul.NewLeader(cfg.Coordination.Consul, logger)
		if err != nil {
			return nil, err
		}
		leader.Campaign(ctx)
		return leader, nil
	default:
		return nil, nil
	}
}

func (b *backends) engineOptions() []drs.Option {
	var opts []drs.Option
	if b.cache != nil {
		opts = append(opts, drs.WithPublisher(b.cache))
	}
	return opts
}

func (b *backends) serverOptions() []server.ServerOption {
	var opts []server.ServerOption
	if b.db != nil {
		opts = append(opts, server.WithPostgreSQL(b.db))
	}
	if b.sqlite != nil {
		opts = append(opts, server.WithHealthCheck("sqlite", b.sqlite))
	}
	if b.cache != nil {
		opts = append(opts, server.WithRedis(b.cache))
	}
	if b.etcd != nil {
		opts = append(opts, server.WithEtcd(b.etcd))
	}
	return opts
}

// Close releases connections in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "rebalancer"
	}
	return name
}
