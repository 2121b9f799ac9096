package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Store[S].
//
// Steps for a run live in one sorted set scored by step number; the pending
// checkpoint is a plain string key. All keys of a run share a TTL when one
// is configured, so abandoned conversations expire on their own.
//
// Keys:
//   - <prefix>steps:<runID>       ZSET of JSON step records
//   - <prefix>checkpoint:<runID>  JSON checkpoint
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type RedisStore[S any] struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisOptions configures OpenRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// TTL expires a run's keys after this long without writes. Zero keeps them.
	TTL time.Duration
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore[S any](opts RedisOptions) (*RedisStore[S], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStore[S](client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStore wraps an existing client. An empty prefix defaults to "archon:".
func NewRedisStore[S any](client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore[S] {
	if keyPrefix == "" {
		keyPrefix = "archon:"
	}
	return &RedisStore[S]{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (r *RedisStore[S]) stepsKey(runID string) string {
	return r.keyPrefix + "steps:" + runID
}

func (r *RedisStore[S]) checkpointKey(runID string) string {
	return r.keyPrefix + "checkpoint:" + runID
}

// SaveStep persists a workflow execution step (implements Store interface).
//
// If a step with the same runID and step number already exists, it is replaced.
func (r *RedisStore[S]) SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error {
	data, err := json.Marshal(StepRecord[S]{Step: step, NodeID: nodeID, State: state})
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	key := r.stepsKey(runID)
	score := strconv.Itoa(step)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, score, score)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(step), Member: data})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest retrieves the most recent step for a run (implements Store interface).
//
// Returns ErrNotFound if no steps exist for the runID.
func (r *RedisStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	var zero S

	members, err := r.client.ZRevRange(ctx, r.stepsKey(runID), 0, 0).Result()
	if err != nil {
		return zero, 0, fmt.Errorf("failed to load latest step: %w", err)
	}
	if len(members) == 0 {
		return zero, 0, ErrNotFound
	}

	var record StepRecord[S]
	if err := json.Unmarshal([]byte(members[0]), &record); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return record.State, record.Step, nil
}

// SaveCheckpoint stores the pending checkpoint for cp.RunID, replacing any
// previous one (implements Store interface).
func (r *RedisStore[S]) SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := r.client.Set(ctx, r.checkpointKey(cp.RunID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves the pending checkpoint for runID (implements Store interface).
//
// Returns ErrNotFound if the run is not suspended.
func (r *RedisStore[S]) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error) {
	data, err := r.client.Get(ctx, r.checkpointKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp Checkpoint[S]
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes the pending checkpoint for runID.
func (r *RedisStore[S]) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := r.client.Del(ctx, r.checkpointKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// DeleteRun removes the step history and checkpoint for runID.
func (r *RedisStore[S]) DeleteRun(ctx context.Context, runID string) error {
	if err := r.client.Del(ctx, r.stepsKey(runID), r.checkpointKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// Ping checks if the store is healthy.
func (r *RedisStore[S]) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisStore[S]) Close() error {
	return r.client.Close()
}
