// Package consul provides Consul lock based leader election.
package consul

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	consul "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/drs"
)

var _ drs.LeaderChecker = (*Leader)(nil)

// Leader holds a Consul session lock while this instance leads.
type Leader struct {
	client   *consul.Client
	key      string
	isLeader atomic.Bool
	retry    time.Duration
	logger   *zap.Logger
}

// NewLeader creates a Consul client for the configured agent.
func NewLeader(cfg config.ConsulConfig, logger *zap.Logger) (*Leader, error) {
	apiConfig := consul.DefaultConfig()
	if cfg.Address != "" {
		apiConfig.Address = cfg.Address
	}

	client, err := consul.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &Leader{
		client: client,
		key:    cfg.Key,
		retry:  5 * time.Second,
		logger: logger.With(zap.String("component", "consul"), zap.String("key", cfg.Key)),
	}, nil
}

// Campaign acquires the lock in the background, re-acquiring it after loss,
// until ctx is done.
func (l *Leader) Campaign(ctx context.Context) {
	go func() {
		for ctx.Err() == nil {
			if err := l.hold(ctx); err != nil {
				l.logger.Warn("Consul lock failed, retrying", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.retry):
			}
		}
	}()
}

// hold blocks while the lock is held.
func (l *Leader) hold(ctx context.Context) error {
	lock, err := l.client.LockKey(l.key)
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}

	lost, err := lock.Lock(ctx.Done())
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if lost == nil {
		// Stopped before acquiring.
		return nil
	}

	l.isLeader.Store(true)
	l.logger.Info("Became leader")

	select {
	case <-ctx.Done():
		l.isLeader.Store(false)
		if err := lock.Unlock(); err != nil {
			l.logger.Warn("Failed to release consul lock", zap.Error(err))
		}
		return nil
	case <-lost:
		l.isLeader.Store(false)
		l.logger.Warn("Lost leadership")
		return nil
	}
}

// IsLeader returns true if the lock is currently held.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}
