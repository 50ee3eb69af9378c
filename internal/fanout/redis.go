package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// RedisPublisher is the part of a redis client the transport uses.
// *redis.Client satisfies it.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisTransport publishes envelopes to a redis pub/sub channel. The
// channel is the subscription's endpoint, or "<prefix>:events:<id>" when
// the endpoint is empty.
type RedisTransport struct {
	client RedisPublisher
	prefix string
	now    func() time.Time
}

// NewRedisClient builds a redis client from the transport config.
func NewRedisClient(cfg models.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewRedisTransport creates a redis transport over client.
func NewRedisTransport(client RedisPublisher, channelPrefix string) *RedisTransport {
	if channelPrefix == "" {
		channelPrefix = "areg"
	}
	return &RedisTransport{client: client, prefix: channelPrefix, now: time.Now}
}

func (t *RedisTransport) Method() models.DeliveryMethod { return models.DeliveryRedis }

// Channel returns the pub/sub channel for sub.
func (t *RedisTransport) Channel(sub *models.Subscription) string {
	if sub.Endpoint != "" {
		return sub.Endpoint
	}
	return fmt.Sprintf("%s:events:%s", t.prefix, sub.ID)
}

func (t *RedisTransport) Deliver(ctx context.Context, sub *models.Subscription, e *models.Event) error {
	body, err := json.Marshal(newEnvelope(sub, e, t.now()))
	if err != nil {
		return Permanent(fmt.Errorf("encoding redis envelope: %w", err))
	}
	channel := t.Channel(sub)
	if err := t.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publishing to redis channel %s: %w", channel, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
