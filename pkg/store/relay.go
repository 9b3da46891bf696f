package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// DefaultEventChannel is the base pub/sub channel for relayed events.
const DefaultEventChannel = "kestrel:events"

// RedisRelay fans task events to out-of-process consumers over redis
// pub/sub. Each event is published on the base channel and on a per-task
// channel, so a consumer can follow one task without filtering the firehose.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay connects to redis and verifies the connection.
func NewRedisRelay(ctx context.Context, addr, password string, db int, channel string) (*RedisRelay, error) {
	if channel == "" {
		channel = DefaultEventChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisRelay{client: client, channel: channel}, nil
}

// Relay publishes one event.
func (r *RedisRelay) Relay(ctx context.Context, e task.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel+":"+e.TaskID, payload).Err()
}

// Follow subscribes to one task's relayed events. The returned channel
// closes when ctx is cancelled.
func (r *RedisRelay) Follow(ctx context.Context, taskID string) (<-chan task.Event, error) {
	sub := r.client.Subscribe(ctx, r.channel+":"+taskID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan task.Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var e task.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				out <- e
			}
		}
	}()
	return out, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

var _ EventRelay = (*RedisRelay)(nil)
