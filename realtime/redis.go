package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/metrics"
)

const redisChannelPrefix = "scenesync:row:"

// RedisHub shares notifications between relay instances over redis pub/sub.
// Subscriber counts only cover subscriptions opened through this instance.
type RedisHub struct {
	client redis.UniversalClient

	mu     sync.Mutex
	counts map[string]int
}

func NewRedisHub(redisURL string) (*RedisHub, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logrus.WithField("addr", opts.Addr).Info("Connected to redis notification hub")
	return NewRedisHubWithClient(client), nil
}

func NewRedisHubWithClient(client redis.UniversalClient) *RedisHub {
	return &RedisHub{client: client, counts: make(map[string]int)}
}

func channelFor(sessionID string) string {
	return redisChannelPrefix + sessionID
}

func (h *RedisHub) Publish(ctx context.Context, change core.RowChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode row change: %w", err)
	}
	if err := h.client.Publish(ctx, channelFor(change.New.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish row change: %w", err)
	}
	return nil
}

func (h *RedisHub) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	ps := h.client.Subscribe(ctx, channelFor(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", sessionID, err)
	}

	done := make(chan struct{})
	sub := newSubscription(sessionID, func() {
		_ = ps.Close()
		<-done
		h.track(sessionID, -1)
	})
	h.track(sessionID, 1)

	log := logrus.WithField("session_id", sessionID)
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var change core.RowChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.WithError(err).Warn("Ignoring malformed redis notification")
				continue
			}
			deliver(sub, change)
		}
	}()

	return sub, nil
}

func (h *RedisHub) track(sessionID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[sessionID] += delta
	if h.counts[sessionID] <= 0 {
		delete(h.counts, sessionID)
	}
	metrics.Subscribers.Add(float64(delta))
}

func (h *RedisHub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[sessionID]
}

func (h *RedisHub) Sessions() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counts))
	for id, n := range h.counts {
		out[id] = n
	}
	return out
}

func (h *RedisHub) Close() error {
	return h.client.Close()
}
