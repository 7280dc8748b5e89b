package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/types"
)

const (
	delayedKey      = "crawler_tasks:delayed"
	statusKeyPrefix = "crawler_task_status:"
	statusRetention = 24 * time.Hour

	// how many due tasks one pump pass promotes at most
	pumpBatchSize = 100
)

// Gateway is the thin wrapper over the queue backend. All cross-worker
// state flows through its operations; no caller touches Redis keys
// directly.
type Gateway struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewGateway creates a broker gateway from connection settings. The
// connection is verified lazily; call Ping to check it eagerly.
func NewGateway(cfg config.RedisConfig) *Gateway {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Gateway{
		rdb:    rdb,
		logger: log.WithComponent("broker"),
	}
}

// Ping verifies the backend connection.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach queue backend: %w", err)
	}
	return nil
}

// Close releases the backend connection.
func (g *Gateway) Close() error {
	return g.rdb.Close()
}

// Enqueue publishes a task to the queue for its priority. With a positive
// delay the task is parked in the delayed set and becomes visible once a
// pump pass promotes it after the delay elapses.
func (g *Gateway) Enqueue(ctx context.Context, task *types.Task, delay time.Duration) error {
	data, err := task.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.TaskID, err)
	}

	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		if err := g.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: data}).Err(); err != nil {
			return fmt.Errorf("failed to enqueue delayed task %s: %w", task.TaskID, err)
		}
		return nil
	}

	if err := g.rdb.LPush(ctx, task.Priority.QueueName(), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.TaskID, err)
	}
	return nil
}

// Dequeue blocks up to blockTimeout waiting for a task at the given
// priority. It returns (nil, nil) when the queue stays empty.
func (g *Gateway) Dequeue(ctx context.Context, priority types.Priority, blockTimeout time.Duration) (*types.Task, error) {
	res, err := g.rdb.BRPop(ctx, blockTimeout, priority.QueueName()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", priority.QueueName(), err)
	}

	// BRPOP returns [key, value]
	task, err := types.UnmarshalTask([]byte(res[1]))
	if err != nil {
		g.logger.Warn().Err(err).Str("queue", priority.QueueName()).Msg("dropping undecodable task")
		return nil, nil
	}
	return task, nil
}

// UpdateTaskStatus appends a status event to the task's status log. Status
// writes are best-effort: the handler outcome, not the status stream, is
// authoritative for retry decisions.
func (g *Gateway) UpdateTaskStatus(ctx context.Context, taskID string, status types.Status, details map[string]string) error {
	event := types.StatusEvent{
		TaskID:  taskID,
		Status:  status,
		Details: details,
		TS:      time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode status event for %s: %w", taskID, err)
	}

	key := statusKeyPrefix + taskID
	pipe := g.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, statusRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append status for %s: %w", taskID, err)
	}
	return nil
}

// TaskStatusLog returns all recorded status events for a task, oldest
// first.
func (g *Gateway) TaskStatusLog(ctx context.Context, taskID string) ([]types.StatusEvent, error) {
	raw, err := g.rdb.LRange(ctx, statusKeyPrefix+taskID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status log for %s: %w", taskID, err)
	}

	events := make([]types.StatusEvent, 0, len(raw))
	for _, item := range raw {
		var ev types.StatusEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// CacheSet stores an opaque JSON value under key with a TTL.
func (g *Gateway) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	if err := g.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// CacheGet reads a JSON value into dest. It returns false when the key does
// not exist.
func (g *Gateway) CacheGet(ctx context.Context, key string, dest any) (bool, error) {
	data, err := g.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache key %s: %w", key, err)
	}
	return true, nil
}

// CacheDelete removes a cache key.
func (g *Gateway) CacheDelete(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// QueueDepth returns the number of visible tasks in a queue without
// blocking.
func (g *Gateway) QueueDepth(ctx context.Context, queueName string) (int64, error) {
	depth, err := g.rdb.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queueName, err)
	}
	return depth, nil
}

// PumpDelayed promotes delayed tasks whose due time has passed onto their
// priority queues. Each member is removed before being re-pushed so two
// concurrent pumps never double-promote the same entry. Returns how many
// tasks were promoted.
func (g *Gateway) PumpDelayed(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := g.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: pumpBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed tasks: %w", err)
	}

	promoted := 0
	for _, member := range due {
		removed, err := g.rdb.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed task: %w", err)
		}
		if removed == 0 {
			continue // another pump claimed it first
		}

		task, err := types.UnmarshalTask([]byte(member))
		if err != nil {
			g.logger.Warn().Err(err).Msg("dropping undecodable delayed task")
			continue
		}
		if err := g.rdb.LPush(ctx, task.Priority.QueueName(), member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote task %s: %w", task.TaskID, err)
		}
		promoted++
	}
	return promoted, nil
}
