// Command publish broadcasts one message to every shardcast instance listening on the Redis
// ingest channel.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pscheid92/shardcast/internal/adapter/redis"
)

const publishTimeout = 10 * time.Second

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		channel  = flag.String("channel", os.Getenv("REDIS_INGEST_CHANNEL"), "Ingest channel (or set REDIS_INGEST_CHANNEL env)")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}
	if *channel == "" {
		log.Fatal("Ingest channel required (--channel or REDIS_INGEST_CHANNEL env)")
	}

	content := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(content) == "" {
		log.Fatal("Usage: publish [flags] <content>")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	rdb, err := redis.NewClient(ctx, *redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	receivers, err := redis.PublishIngest(ctx, rdb, *channel, content)
	if err != nil {
		log.Fatalf("Publish failed: %v", err)
	}
	if receivers == 0 {
		slog.Warn("No instance is listening on the ingest channel", "channel", *channel)
		return
	}
	slog.Info("Message published", "channel", *channel, "instances", receivers)
}
