package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDenylist stores revoked token ids in Redis so every instance rejects
// them until they expire.
type RedisDenylist struct {
	client *redis.Client
	prefix string
}

func NewRedisDenylist(client *redis.Client) *RedisDenylist {
	return &RedisDenylist{client: client, prefix: "denylist:"}
}

func (d *RedisDenylist) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return d.client.SetNX(ctx, d.prefix+tokenID, 1, ttl).Err()
}

func (d *RedisDenylist) Revoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
