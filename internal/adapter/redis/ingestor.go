package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// Publisher fans a payload out to the local broker.
type Publisher interface {
	Publish(ctx context.Context, content string) (int, error)
}

// Ingestor relays payloads published on a Redis channel into the local broker, so that any
// process with Redis access can broadcast to every instance.
type Ingestor struct {
	rdb       *goredis.Client
	channel   string
	publisher Publisher
}

func NewIngestor(rdb *goredis.Client, channel string, publisher Publisher) *Ingestor {
	return &Ingestor{rdb: rdb, channel: channel, publisher: publisher}
}

// Start blocks until ctx is cancelled or the subscription closes.
func (i *Ingestor) Start(ctx context.Context) {
	pubsub := i.rdb.Subscribe(ctx, i.channel)
	defer func() { _ = pubsub.Close() }()

	slog.Info("Redis ingestor subscribed", "channel", i.channel)

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			i.handlePayload(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (i *Ingestor) handlePayload(ctx context.Context, payload string) {
	if payload == "" {
		slog.Warn("Empty ingest message", "channel", i.channel)
		return
	}

	n, err := i.publisher.Publish(ctx, payload)
	if err != nil {
		slog.Warn("Failed to publish ingested message", "channel", i.channel, "error", err)
		return
	}
	slog.Debug("Ingested message published", "channel", i.channel, "shards", n)
}

// PublishIngest broadcasts content to every instance subscribed to channel and returns how many
// instances received it.
func PublishIngest(ctx context.Context, rdb goredis.Cmdable, channel, content string) (int64, error) {
	if content == "" {
		return 0, errors.New("empty content")
	}

	receivers, err := rdb.Publish(ctx, channel, content).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return receivers, nil
}
