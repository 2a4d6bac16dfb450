package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arborchat/arbor/internal/models"
)

const (
	jobQueueKey   = "jobs:pending"
	cancelChannel = "generation:cancel"
)

// RedisCoordinator implements Coordinator on a Redis connection.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator connects to Redis and verifies the connection.
func NewRedisCoordinator(ctx context.Context, redisURL string) (*RedisCoordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCoordinator{client: client}, nil
}

// Close closes the Redis connection.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection.
func (c *RedisCoordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func streamKey(chatID string) string {
	return fmt.Sprintf("stream:%s", chatID)
}

func jobKey(chatID string) string {
	return fmt.Sprintf("job:%s", chatID)
}

func eventsKey(chatID string) string {
	return fmt.Sprintf("events:%s", chatID)
}

// GetStreamState reads the per-chat stream state. A missing or unparseable
// blob reads as no active stream.
func (c *RedisCoordinator) GetStreamState(ctx context.Context, chatID string) (*models.StreamState, error) {
	data, err := c.client.Get(ctx, streamKey(chatID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var state models.StreamState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// SetStreamState writes the per-chat stream state with the bounded TTL.
// Last writer wins.
func (c *RedisCoordinator) SetStreamState(ctx context.Context, state *models.StreamState) error {
	state.UpdatedAt = time.Now().UnixMilli()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, streamKey(state.ChatID), data, StateTTL).Err()
}

// claimScript atomically claims the per-chat slot: it refuses only when the
// stored state is live and non-terminal, and overwrites a terminal leftover
// from the previous generation. An unparseable blob reads as no active
// stream, same as GetStreamState.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, state = pcall(cjson.decode, cur)
	if ok and state.status ~= 'completed' and state.status ~= 'error' and state.status ~= 'cancelled' then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// ClaimStream claims the per-chat slot so two submissions cannot both start
// a job. The compare-and-set runs server-side; only a non-terminal state
// blocks the claim.
func (c *RedisCoordinator) ClaimStream(ctx context.Context, state *models.StreamState) (bool, error) {
	state.UpdatedAt = time.Now().UnixMilli()
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}

	res, err := claimScript.Run(ctx, c.client, []string{streamKey(state.ChatID)}, data, StateTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// DeleteStreamState removes the per-chat stream state.
func (c *RedisCoordinator) DeleteStreamState(ctx context.Context, chatID string) error {
	return c.client.Del(ctx, streamKey(chatID)).Err()
}

// SetJobHandle records the running job id for a chat.
func (c *RedisCoordinator) SetJobHandle(ctx context.Context, chatID, jobID string) error {
	return c.client.Set(ctx, jobKey(chatID), jobID, StateTTL).Err()
}

// GetJobHandle returns the recorded job id, or "" when none exists.
func (c *RedisCoordinator) GetJobHandle(ctx context.Context, chatID string) (string, error) {
	jobID, err := c.client.Get(ctx, jobKey(chatID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return jobID, nil
}

// DeleteJobHandle removes the job handle key.
func (c *RedisCoordinator) DeleteJobHandle(ctx context.Context, chatID string) error {
	return c.client.Del(ctx, jobKey(chatID)).Err()
}

// PushEvent appends an event to the chat's queue, refreshes the queue expiry
// and trims to the recent-event window.
func (c *RedisCoordinator) PushEvent(ctx context.Context, chatID string, ev *models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	key := eventsKey(chatID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -EventQueueMax, -1)
	pipe.Expire(ctx, key, EventQueueTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PopEvent pops the oldest event from the chat's queue.
func (c *RedisCoordinator) PopEvent(ctx context.Context, chatID string) (*models.StreamEvent, error) {
	data, err := c.client.LPop(ctx, eventsKey(chatID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var ev models.StreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// EnqueueJob pushes a job payload onto the pending queue.
func (c *RedisCoordinator) EnqueueJob(ctx context.Context, payload []byte) error {
	return c.client.LPush(ctx, jobQueueKey, payload).Err()
}

// DequeueJob pops the next job payload, waiting up to timeout.
func (c *RedisCoordinator) DequeueJob(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := c.client.BRPop(ctx, timeout, jobQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// PublishCancel broadcasts a cancellation for the chat's in-flight job.
func (c *RedisCoordinator) PublishCancel(ctx context.Context, chatID string) error {
	return c.client.Publish(ctx, cancelChannel, chatID).Err()
}

// SubscribeCancel subscribes to cancellation broadcasts.
func (c *RedisCoordinator) SubscribeCancel(ctx context.Context) (<-chan string, func(), error) {
	sub := c.client.Subscribe(ctx, cancelChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
