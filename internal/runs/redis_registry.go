package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"job-ingestion-orchestrator/internal/models"
)

// RedisRegistry shares the run registry between processes.
// Runs are stored as JSON in a hash and indexed by start time in a sorted set.
type RedisRegistry struct {
	client   *redis.Client
	dataKey  string
	indexKey string
}

// NewRedisRegistry builds a registry under the given key prefix.
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "runs"
	}
	return &RedisRegistry{
		client:   client,
		dataKey:  prefix + ":data",
		indexKey: prefix + ":index",
	}
}

// Create registers a new run, failing if the run id is already known.
func (r *RedisRegistry) Create(ctx context.Context, run models.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := createScript.Run(ctx, r.client, []string{r.dataKey, r.indexKey},
		run.RunID, raw, run.StartedAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.RunID, err)
	}
	if res == 0 {
		return ErrDuplicateRun
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, runID string) (models.Run, error) {
	raw, err := r.client.HGet(ctx, r.dataKey, runID).Bytes()
	if err == redis.Nil {
		return models.Run{}, ErrRunNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	var run models.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return models.Run{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, nil
}

// List returns runs ordered by start time, oldest first.
func (r *RedisRegistry) List(ctx context.Context) ([]models.Run, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list run index: %w", err)
	}
	if len(ids) == 0 {
		return []models.Run{}, nil
	}
	vals, err := r.client.HMGet(ctx, r.dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	out := make([]models.Run, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// index entry without data; left for Prune
			continue
		}
		var run models.Run
		if err := json.Unmarshal([]byte(s), &run); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", ids[i], err)
		}
		out = append(out, run)
	}
	SortByStart(out)
	return out, nil
}

// Save replaces an existing run.
func (r *RedisRegistry) Save(ctx context.Context, run models.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := saveScript.Run(ctx, r.client, []string{r.dataKey}, run.RunID, raw).Int()
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	if res == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Prune drops terminal runs that started before the cutoff.
func (r *RedisRegistry) Prune(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	vals, err := r.client.HMGet(ctx, r.dataKey, ids...).Result()
	if err != nil {
		return 0, err
	}

	pipe := r.client.TxPipeline()
	removed := 0
	for i, v := range vals {
		s, ok := v.(string)
		if ok {
			var run models.Run
			if err := json.Unmarshal([]byte(s), &run); err == nil && !run.Status.Terminal() {
				continue
			}
		}
		pipe.HDel(ctx, r.dataKey, ids[i])
		pipe.ZRem(ctx, r.indexKey, ids[i])
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

var createScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var saveScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
