// Package redis caches the latest plan and fans plan events out over pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

const (
	// PlanChannel carries plan events.
	PlanChannel = "events:plan"

	latestPlanKey = "plan:latest"
)

var _ drs.PlanPublisher = (*Cache)(nil)

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client  *redis.Client
	planTTL time.Duration
	logger  *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{
		client:  client,
		planTTL: cfg.PlanTTL,
		logger:  logger.With(zap.String("component", "redis")),
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// =============================================================================
// Plan Operations
// =============================================================================

// LatestPlan returns the cached latest plan.
func (c *Cache) LatestPlan(ctx context.Context) (*domain.Plan, error) {
	var plan domain.Plan
	if err := c.Get(ctx, latestPlanKey, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PublishPlan caches plan as the latest and announces it on PlanChannel.
func (c *Cache) PublishPlan(ctx context.Context, plan *domain.Plan) error {
	if err := c.Set(ctx, latestPlanKey, plan, c.planTTL); err != nil {
		return fmt.Errorf("failed to cache plan: %w", err)
	}
	return c.Publish(ctx, PlanChannel, NewPlanEvent(plan))
}

// =============================================================================
// Pub/Sub Operations
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string          `json:"type"` // "plan.created", "plan.executed"
	ResourceID string          `json:"resource_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewPlanEvent wraps a plan in an event. Plans with executed migrations are
// reported as "plan.executed".
func NewPlanEvent(plan *domain.Plan) Event {
	eventType := "plan.created"
	for _, m := range plan.Migrations {
		if m.Status != domain.MigrationStatusPlanned {
			eventType = "plan.executed"
			break
		}
	}
	data, _ := json.Marshal(plan)
	return Event{
		Type:       eventType,
		ResourceID: plan.ID,
		Data:       data,
	}
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to channels and returns an event channel that closes
// when ctx is done.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}
