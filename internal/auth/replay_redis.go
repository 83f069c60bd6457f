package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayPrefix = "jti:"

// RedisReplay is a ReplayStore backed by Redis SET NX, shared across
// gateway instances.
type RedisReplay struct {
	client *redis.Client
}

func NewRedisReplay(client *redis.Client) *RedisReplay {
	return &RedisReplay{client: client}
}

func (r *RedisReplay) Seen(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	set, err := r.client.SetNX(ctx, replayPrefix+jti, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
