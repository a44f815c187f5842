// Package kvstore: redis.go adapts the teacher's redisclient/redis.go
// (a bare Ping-only wrapper around *redis.Client) into the full C1 façade:
// pipelines, sorted sets, and server-side scripting, plus a Ready() health
// check every dependent component can fail open against.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedis creates a RedisStore from a redis:// URL, as the teacher's
// redisclient.New does from cfg.RedisURL.
func NewRedis(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid KV_URL: %w", err)
	}
	return &RedisStore{
		client: redis.NewClient(opt),
		script: redis.NewScript(checkAndTrackScript),
	}, nil
}

// Ready reports whether Redis answers PING within a short deadline.
func (s *RedisStore) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) MExists(ctx context.Context, keys ...string) (map[string]bool, error) {
	result := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.Exists(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for k, cmd := range cmds {
		result[k] = cmd.Val() > 0
	}
	return result, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.client.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// redisPipeliner adapts *redis.Pipeline to the Pipeliner interface.
type redisPipeliner struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (p *redisPipeliner) IncrByFloat(key string, delta float64) {
	p.pipe.IncrByFloat(p.ctx, key, delta)
}

func (p *redisPipeliner) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(p.ctx, key, ttl)
}

func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipeliner) error) error {
	pipe := s.client.Pipeline()
	if err := fn(&redisPipeliner{ctx: ctx, pipe: pipe}); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CheckAndTrackConcurrency evaluates the atomic check-and-track script
// (script.go) in one round trip.
func (s *RedisStore) CheckAndTrackConcurrency(ctx context.Context, setKey, sessionID string, limit int, now time.Time, ttl time.Duration) (ScriptResult, error) {
	res, err := s.script.Run(ctx, s.client, []string{setKey},
		sessionID,
		fmt.Sprintf("%d", now.Unix()),
		limit,
		int(ttl.Seconds()),
	).Result()
	if err != nil {
		return ScriptResult{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return ScriptResult{}, fmt.Errorf("unexpected script result shape: %#v", res)
	}

	allowed, _ := vals[0].(int64)
	countAfter, _ := vals[1].(int64)
	tracked, _ := vals[2].(int64)

	return ScriptResult{
		Allowed:    allowed == 1,
		CountAfter: countAfter,
		Tracked:    tracked == 1,
	}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
