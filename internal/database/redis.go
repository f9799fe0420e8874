package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients holds the two redis connections this service needs. Queue
// carries notification jobs, job locks and refresh tokens. PubSub is a
// dedicated client for the session_updates fan-out: a connection with active
// subscriptions cannot issue other commands, so it never shares with Queue.
type RedisClients struct {
	Queue  *redis.Client
	PubSub *redis.Client
}

func NewRedisClients(redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	queueClient, err := newRedisClient(opt, "queue")
	if err != nil {
		return nil, err
	}

	pubsubOpt := *opt
	pubsubClient, err := newRedisClient(&pubsubOpt, "pubsub")
	if err != nil {
		queueClient.Close()
		return nil, err
	}

	return &RedisClients{
		Queue:  queueClient,
		PubSub: pubsubClient,
	}, nil
}

func newRedisClient(opt *redis.Options, role string) (*redis.Client, error) {
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis (%s): %w", role, err)
	}
	return client, nil
}

func (r *RedisClients) Close() {
	r.Queue.Close()
	r.PubSub.Close()
}
