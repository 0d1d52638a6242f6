package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aksrustagi/talos-sub002/procurement"
)

// RedisNotifier pushes notifications onto a Redis delivery list that the
// out-of-process delivery workers drain. It implements
// procurement.Notifier; delivery is best-effort by contract, so callers
// log failures and move on.
type RedisNotifier struct {
	client *redis.Client
	queue  string
	now    func() time.Time
}

// NewRedisNotifier connects to Redis at addr and enqueues onto queue.
func NewRedisNotifier(addr, password string, db int, queue string) (*RedisNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("clients: redis addr is required")
	}
	if queue == "" {
		return nil, fmt.Errorf("clients: notification queue name is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNotifier{client: client, queue: queue, now: time.Now}, nil
}

// Notify enqueues one notification envelope.
func (n *RedisNotifier) Notify(ctx context.Context, notification procurement.Notification) error {
	envelope := struct {
		procurement.Notification
		EnqueuedAt time.Time `json:"enqueuedAt"`
	}{Notification: notification, EnqueuedAt: n.now().UTC()}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("clients: encode notification: %w", err)
	}
	if err := n.client.LPush(ctx, n.queue, payload).Err(); err != nil {
		return fmt.Errorf("clients: enqueue notification: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
