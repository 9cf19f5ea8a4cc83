package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisSentCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSentCache(rdb *redis.Client, ttl time.Duration) *RedisSentCache {
	return &RedisSentCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	Phone  string    `json:"phone"`
	SentAt time.Time `json:"sentAt"`
}

func sentKey(sessionID, externalID string) string {
	return fmt.Sprintf("sent:%s:%s", sessionID, externalID)
}

func (c *RedisSentCache) MarkSent(ctx context.Context, sessionID, externalID, phone string) error {
	val := sentValue{Phone: phone, SentAt: time.Now().UTC()}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(sessionID, externalID), b, c.ttl).Err()
}

func (c *RedisSentCache) WasSentViaAPI(ctx context.Context, sessionID, externalID string) (bool, error) {
	err := c.rdb.Get(ctx, sentKey(sessionID, externalID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
