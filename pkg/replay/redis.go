package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares replay state across instances with SET NX PX.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "replay:"}
}

func (r *RedisStore) Seen(ctx context.Context, rc Context) (bool, error) {
	if err := validate(rc); err != nil {
		return false, err
	}
	if r.Client == nil {
		return false, errors.New("replay: redis client not configured")
	}
	inserted, err := r.Client.SetNX(ctx, r.Prefix+rc.Key(), "1", rc.ttl()).Result()
	if err != nil {
		return false, fmt.Errorf("replay setnx: %w", err)
	}
	return !inserted, nil
}
