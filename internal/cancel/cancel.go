// Package cancel is the shared deny-list that carries cancellation across
// the process boundary: the API records a cancelled handle here, and a
// worker already mid-run observes it between batches and stops early.
package cancel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DenyList is the cancellation contract.
type DenyList interface {
	Add(ctx context.Context, handle string) error
	IsCancelled(ctx context.Context, handle string) bool
}

// RedisDenyList implements DenyList on short-lived Redis keys.
type RedisDenyList struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDenyList(client *redis.Client, ttl time.Duration) *RedisDenyList {
	return &RedisDenyList{client: client, ttl: ttl}
}

func key(handle string) string { return fmt.Sprintf("cancel:%s", handle) }

// Add records the handle as cancelled. The key expires after the TTL; by
// then the job is terminal either way.
func (d *RedisDenyList) Add(ctx context.Context, handle string) error {
	if err := d.client.Set(ctx, key(handle), "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("adding %s to deny-list: %w", handle, err)
	}
	return nil
}

// IsCancelled reports whether the handle was cancelled. Lookup failures
// read as not-cancelled: the check is cooperative, never load-bearing for
// correctness, and a Redis blip must not kill a healthy run.
func (d *RedisDenyList) IsCancelled(ctx context.Context, handle string) bool {
	n, err := d.client.Exists(ctx, key(handle)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

var _ DenyList = (*RedisDenyList)(nil)
