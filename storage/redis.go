package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/songzhibin97/automation-engine/types"
)

const (
	workflowPrefix  = "workflow:"
	executionPrefix = "execution:"
	schedulePrefix  = "schedule:"

	workflowIndex   = "workflows"
	executionIndex  = "executions:created"
	scheduleIndex   = "schedules"
	scheduleDueZSet = "schedules:due"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Executions are indexed by creation time and active schedules by next run
// in sorted sets.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing client. An empty prefix
// defaults to "flowengine:".
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "flowengine:"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) key(prefix string, id uint64) string {
	return s.prefix + prefix + strconv.FormatUint(id, 10)
}

func (s *RedisStorage) index(name string) string {
	return s.prefix + name
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func member(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// saveToRedis saves a value under key.
func (s *RedisStorage) saveToRedis(ctx context.Context, pipe redis.Pipeliner, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// getManyFromRedis loads the values stored under keys, skipping keys that
// disappeared between the index read and the fetch.
func getManyFromRedis[T any](ctx context.Context, client redis.Cmdable, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return []T{}, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %d keys: %w", len(keys), err)
	}
	out := make([]T, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// watchUpdate runs fn on the current value of key inside an optimistic
// transaction. fn returns false to leave the value untouched; extra queues
// index updates alongside the write. It reports whether the write happened.
func watchUpdate[T any](ctx context.Context, client *redis.Client, key string, errNotFound error,
	fn func(*T) bool, extra func(redis.Pipeliner, *T)) (bool, error) {
	applied := false
	err := client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return err
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		if !fn(&item) {
			return nil
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if extra != nil {
				extra(pipe, &item)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		if err := s.saveToRedis(ctx, pipe, s.key(workflowPrefix, wf.ID), wf); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.index(workflowIndex), member(wf.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save workflow %d: %w", wf.ID, err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return getFromRedis[types.Workflow](ctx, s.client, s.key(workflowPrefix, id), ErrWorkflowNotFound)
}

// ListWorkflows returns every workflow ordered by id.
func (s *RedisStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		ids, err := s.client.SMembers(ctx, s.index(workflowIndex)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		out, err := getManyFromRedis[types.Workflow](ctx, s.client, s.keys(workflowPrefix, ids))
		if err != nil {
			return nil, err
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// DeleteWorkflow removes a workflow from Redis.
func (s *RedisStorage) DeleteWorkflow(ctx context.Context, id uint64) error {
	return s.deleteIndexed(ctx, s.key(workflowPrefix, id), ErrWorkflowNotFound, func(pipe redis.Pipeliner) {
		pipe.SRem(ctx, s.index(workflowIndex), member(id))
	})
}

// CreateExecution stores a new execution record with SETNX semantics.
func (s *RedisStorage) CreateExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		key := s.key(executionPrefix, exec.ID)
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrExecutionExists, exec.ID)
		}
		return s.client.ZAdd(ctx, s.index(executionIndex), &redis.Z{Score: millis(exec.CreatedAt), Member: member(exec.ID)}).Err()
	})
}

// SaveExecution saves an execution record to Redis.
func (s *RedisStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		if err := s.saveToRedis(ctx, pipe, s.key(executionPrefix, exec.ID), exec); err != nil {
			return err
		}
		pipe.ZAdd(ctx, s.index(executionIndex), &redis.Z{Score: millis(exec.CreatedAt), Member: member(exec.ID)})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save execution %d: %w", exec.ID, err)
		}
		return nil
	})
}

// GetExecution retrieves an execution record from Redis.
func (s *RedisStorage) GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error) {
	return getFromRedis[types.WorkflowExecution](ctx, s.client, s.key(executionPrefix, id), ErrExecutionNotFound)
}

// ListExecutions lists executions of a workflow, oldest first.
func (s *RedisStorage) ListExecutions(ctx context.Context, workflowID uint64) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		ids, err := s.client.ZRange(ctx, s.index(executionIndex), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		all, err := getManyFromRedis[types.WorkflowExecution](ctx, s.client, s.keys(executionPrefix, ids))
		if err != nil {
			return nil, err
		}
		out := make([]types.WorkflowExecution, 0, len(all))
		for _, exec := range all {
			if workflowID == 0 || exec.WorkflowID == workflowID {
				out = append(out, exec)
			}
		}
		sortExecutions(out)
		return out, nil
	})
}

// TransitionExecution changes the status of an execution if it is in from.
func (s *RedisStorage) TransitionExecution(ctx context.Context, id uint64, from, to string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		return watchUpdate(ctx, s.client, s.key(executionPrefix, id), ErrExecutionNotFound,
			func(exec *types.WorkflowExecution) bool {
				if exec.Status != from {
					return false
				}
				exec.Status = to
				return true
			}, nil)
	})
}

// DeleteExecutionsBefore removes finished executions created before the cutoff.
func (s *RedisStorage) DeleteExecutionsBefore(ctx context.Context, before time.Time, statuses []string) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		ids, err := s.client.ZRangeByScore(ctx, s.index(executionIndex), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan executions: %w", err)
		}
		execs, err := getManyFromRedis[types.WorkflowExecution](ctx, s.client, s.keys(executionPrefix, ids))
		if err != nil {
			return 0, err
		}

		pipe := s.client.TxPipeline()
		var n int64
		for _, exec := range execs {
			if !hasStatus(exec.Status, statuses) {
				continue
			}
			pipe.Del(ctx, s.key(executionPrefix, exec.ID))
			pipe.ZRem(ctx, s.index(executionIndex), member(exec.ID))
			n++
		}
		if n == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return n, nil
	})
}

// SaveSchedule saves a schedule and keeps the due index in step with it.
func (s *RedisStorage) SaveSchedule(ctx context.Context, sched types.WorkflowSchedule) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		if err := s.saveToRedis(ctx, pipe, s.key(schedulePrefix, sched.ID), sched); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.index(scheduleIndex), member(sched.ID))
		s.indexSchedule(ctx, pipe, &sched)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save schedule %d: %w", sched.ID, err)
		}
		return nil
	})
}

func (s *RedisStorage) indexSchedule(ctx context.Context, pipe redis.Pipeliner, sched *types.WorkflowSchedule) {
	if sched.IsActive {
		pipe.ZAdd(ctx, s.index(scheduleDueZSet), &redis.Z{Score: millis(sched.NextRun), Member: member(sched.ID)})
	} else {
		pipe.ZRem(ctx, s.index(scheduleDueZSet), member(sched.ID))
	}
}

// GetSchedule retrieves a schedule from Redis.
func (s *RedisStorage) GetSchedule(ctx context.Context, id uint64) (types.WorkflowSchedule, error) {
	return getFromRedis[types.WorkflowSchedule](ctx, s.client, s.key(schedulePrefix, id), ErrScheduleNotFound)
}

// ListSchedules returns every schedule ordered by id.
func (s *RedisStorage) ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error) {
	return withContext(ctx, func() ([]types.WorkflowSchedule, error) {
		ids, err := s.client.SMembers(ctx, s.index(scheduleIndex)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list schedules: %w", err)
		}
		out, err := getManyFromRedis[types.WorkflowSchedule](ctx, s.client, s.keys(schedulePrefix, ids))
		if err != nil {
			return nil, err
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListDueSchedules returns active schedules due at now.
func (s *RedisStorage) ListDueSchedules(ctx context.Context, now time.Time) ([]types.WorkflowSchedule, error) {
	return withContext(ctx, func() ([]types.WorkflowSchedule, error) {
		ids, err := s.client.ZRangeByScore(ctx, s.index(scheduleDueZSet), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan due schedules: %w", err)
		}
		all, err := getManyFromRedis[types.WorkflowSchedule](ctx, s.client, s.keys(schedulePrefix, ids))
		if err != nil {
			return nil, err
		}
		out := make([]types.WorkflowSchedule, 0, len(all))
		for _, sched := range all {
			if sched.IsActive && !sched.NextRun.After(now) {
				out = append(out, sched)
			}
		}
		sortSchedules(out)
		return out, nil
	})
}

// ClaimSchedule advances a schedule under WATCH so that only one caller wins.
func (s *RedisStorage) ClaimSchedule(ctx context.Context, id uint64, expected, lastRun, nextRun time.Time) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		return watchUpdate(ctx, s.client, s.key(schedulePrefix, id), ErrScheduleNotFound,
			func(sched *types.WorkflowSchedule) bool {
				if !sched.NextRun.Equal(expected) {
					return false
				}
				last := lastRun
				sched.LastRun = &last
				sched.NextRun = nextRun
				return true
			},
			func(pipe redis.Pipeliner, sched *types.WorkflowSchedule) {
				s.indexSchedule(ctx, pipe, sched)
			})
	})
}

// RecordScheduleOutcome updates the failure counter of a schedule.
func (s *RedisStorage) RecordScheduleOutcome(ctx context.Context, id uint64, failed bool) error {
	return withContextError(ctx, func() error {
		_, err := watchUpdate(ctx, s.client, s.key(schedulePrefix, id), ErrScheduleNotFound,
			func(sched *types.WorkflowSchedule) bool {
				if failed {
					sched.FailureCount++
				} else {
					sched.FailureCount = 0
				}
				return true
			}, nil)
		return err
	})
}

// DeactivateSchedule marks a schedule inactive and drops it from the due index.
func (s *RedisStorage) DeactivateSchedule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		_, err := watchUpdate(ctx, s.client, s.key(schedulePrefix, id), ErrScheduleNotFound,
			func(sched *types.WorkflowSchedule) bool {
				sched.IsActive = false
				return true
			},
			func(pipe redis.Pipeliner, sched *types.WorkflowSchedule) {
				s.indexSchedule(ctx, pipe, sched)
			})
		return err
	})
}

// DeleteSchedule removes a schedule from Redis.
func (s *RedisStorage) DeleteSchedule(ctx context.Context, id uint64) error {
	return s.deleteIndexed(ctx, s.key(schedulePrefix, id), ErrScheduleNotFound, func(pipe redis.Pipeliner) {
		pipe.SRem(ctx, s.index(scheduleIndex), member(id))
		pipe.ZRem(ctx, s.index(scheduleDueZSet), member(id))
	})
}

func (s *RedisStorage) deleteIndexed(ctx context.Context, key string, errNotFound error, unindex func(redis.Pipeliner)) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		del := pipe.Del(ctx, key)
		unindex(pipe)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		if del.Val() == 0 {
			return fmt.Errorf("%w: key=%s", errNotFound, key)
		}
		return nil
	})
}

func (s *RedisStorage) keys(prefix string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.prefix+prefix+id)
	}
	return out
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
