// Package etcd provides etcd-backed leader election for daemon mode.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/drs"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with a session for leader election.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(30))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Leader Election
// =============================================================================

var _ drs.LeaderChecker = (*Leader)(nil)

// Leader represents a leader election participant.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign in the background.
// identity is stored as the leader value so operators can see who leads.
func (c *Client) CampaignForLeader(ctx context.Context, name, identity string, callback LeaderCallback) (*Leader, error) {
	election := concurrency.NewElection(c.session, fmt.Sprintf("/leaders/%s", name))

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
	}

	go func() {
		for {
			if err := election.Campaign(ctx, identity); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}

			leader.isLeader.Store(true)
			c.logger.Info("Became leader", zap.String("name", name), zap.String("identity", identity))
			if callback != nil {
				callback(true)
			}

			select {
			case <-ctx.Done():
				return
			case <-c.session.Done():
				leader.isLeader.Store(false)
				c.logger.Warn("Lost leadership", zap.String("name", name))
				if callback != nil {
					callback(false)
				}
				return
			}
		}
	}()

	return leader, nil
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader.Load() {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}

// GetLeader returns the current leader's identity.
func (c *Client) GetLeader(ctx context.Context, name string) (string, error) {
	election := concurrency.NewElection(c.session, fmt.Sprintf("/leaders/%s", name))

	resp, err := election.Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get leader: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}

	return string(resp.Kvs[0].Value), nil
}
