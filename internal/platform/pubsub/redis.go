package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/codexec/internal/domain"
)

// DefaultPrefix namespaces the per-session channels.
const DefaultPrefix = "codexec:output"

// RedisBroadcaster implements domain.Broadcaster using Redis Pub/Sub.
// Nothing is stored: a watcher only sees chunks published after it subscribed.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

// Ensure RedisBroadcaster satisfies the interface
var _ domain.Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster connects to addr and verifies the connection with a ping.
func NewRedisBroadcaster(addr, prefix string) (*RedisBroadcaster, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBroadcaster{
		client: rdb,
		prefix: prefix,
	}, nil
}

// Channel returns the Pub/Sub channel carrying a session's output.
func Channel(prefix, sessionID string) string {
	return prefix + ":" + sessionID
}

// Broadcast publishes the chunk as JSON on the session channel.
func (r *RedisBroadcaster) Broadcast(ctx context.Context, chunk domain.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	if err := r.client.Publish(ctx, Channel(r.prefix, chunk.SessionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe streams a session's chunks. The channel is closed after the
// final chunk or when ctx is done.
func (r *RedisBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Chunk, error) {
	pubsub := r.client.Subscribe(ctx, Channel(r.prefix, sessionID))

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session output: %w", err)
	}

	outCh := make(chan domain.Chunk)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				chunk, err := decodeChunk(msg.Payload)
				if err != nil {
					slog.Error("Failed to unmarshal chunk", "channel", msg.Channel, "error", err)
					continue
				}

				select {
				case outCh <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.Final {
					return
				}
			}
		}
	}()

	return outCh, nil
}

// Close releases the Redis connection pool.
func (r *RedisBroadcaster) Close() error {
	return r.client.Close()
}

func decodeChunk(payload string) (domain.Chunk, error) {
	var chunk domain.Chunk
	err := json.Unmarshal([]byte(payload), &chunk)
	return chunk, err
}
