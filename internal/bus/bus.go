// Package bus distributes job-update events over Redis pub/sub. Workers
// publish as they progress; the global progress stream subscribes.
// Channels are job_updates:global plus one per tenant.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"textgate/pkg/models"
)

// GlobalChannel carries every job update regardless of tenant.
const GlobalChannel = "job_updates:global"

// OrgChannel names the tenant-scoped channel.
func OrgChannel(orgID string) string {
	return fmt.Sprintf("job_updates:%s", orgID)
}

// Publisher emits job-update events.
type Publisher interface {
	PublishJobUpdate(ctx context.Context, event models.JobUpdateEvent) error
}

// Subscriber delivers job-update events for one tenant or all of them.
type Subscriber interface {
	// Subscribe returns a channel of events and a release function. The
	// channel closes when ctx ends or release is called; release is safe to
	// call more than once and must be called on every exit path.
	Subscribe(ctx context.Context, orgID string) (<-chan models.JobUpdateEvent, func(), error)
}

// RedisBus implements Publisher and Subscriber on go-redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// PublishJobUpdate publishes to the global channel and, when the event
// carries a tenant, to that tenant's channel.
func (b *RedisBus) PublishJobUpdate(ctx context.Context, event models.JobUpdateEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding job update: %w", err)
	}

	if err := b.client.Publish(ctx, GlobalChannel, payload).Err(); err != nil {
		return fmt.Errorf("publishing job update: %w", err)
	}
	if event.OrgID != "" {
		if err := b.client.Publish(ctx, OrgChannel(event.OrgID), payload).Err(); err != nil {
			return fmt.Errorf("publishing job update for org %s: %w", event.OrgID, err)
		}
	}
	return nil
}

// Subscribe attaches to the tenant channel (or the global one when orgID is
// empty). Malformed or incomplete messages are logged and skipped. The
// underlying pub/sub connection is released deterministically: on release,
// on ctx cancellation, and on connection close alike.
func (b *RedisBus) Subscribe(ctx context.Context, orgID string) (<-chan models.JobUpdateEvent, func(), error) {
	channel := GlobalChannel
	if orgID != "" {
		channel = OrgChannel(orgID)
	}

	pubsub := b.client.Subscribe(ctx, channel)
	// Fail fast if the subscription never established.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	events := make(chan models.JobUpdateEvent)
	done := make(chan struct{})

	go func() {
		defer close(events)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event models.JobUpdateEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("skipping malformed job update", "channel", channel, "error", err)
					continue
				}
				if !event.Valid() {
					slog.Warn("skipping incomplete job update", "channel", channel, "job_id", event.JobID)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return events, release, nil
}

var (
	_ Publisher  = (*RedisBus)(nil)
	_ Subscriber = (*RedisBus)(nil)
)
