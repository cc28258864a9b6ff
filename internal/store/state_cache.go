package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache holds the last published state per harmony entity.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

const stateTTL = 24 * time.Hour

func key(entityID string) string { return "harmony:state:" + entityID }

func (c *StateCache) Set(ctx context.Context, entityID string, stateJSON []byte) error {
	return c.rdb.Set(ctx, key(entityID), stateJSON, stateTTL).Err()
}

func (c *StateCache) Get(ctx context.Context, entityID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key(entityID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}
