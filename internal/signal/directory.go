package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Directory maps session handles to dialable addresses.
type Directory interface {
	// Announce claims handle. Re-announcing identical addrs for a handle
	// this process already owns succeeds; anything else fails with ErrHandleTaken.
	Announce(ctx context.Context, handle string, addrs []string, ttl time.Duration) error
	// Refresh extends the claim; ErrNotRegistered means it already expired.
	Refresh(ctx context.Context, handle string, ttl time.Duration) error
	Lookup(ctx context.Context, handle string) ([]string, error)
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, handle string) error
}

const defaultPrefix = "rendezvous:peer:"

// RedisDirectory keeps one expiring key per handle.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedisDirectory connects to redisURL and verifies it with a ping.
func NewRedisDirectory(ctx context.Context, redisURL string) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisDirectory{client: client, prefix: defaultPrefix}, nil
}

func (d *RedisDirectory) Close() error { return d.client.Close() }

func (d *RedisDirectory) peerKey(handle string) string { return d.prefix + handle }

type entry struct {
	Addrs []string `json:"addrs"`
}

func (d *RedisDirectory) Announce(ctx context.Context, handle string, addrs []string, ttl time.Duration) error {
	val, err := json.Marshal(entry{Addrs: addrs})
	if err != nil {
		return err
	}
	key := d.peerKey(handle)
	ok, err := d.client.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	cur, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		if ok, err = d.client.SetNX(ctx, key, val, ttl).Result(); err == nil && ok {
			return nil
		}
	}
	if err != nil {
		return err
	}
	if cur != string(val) {
		return ErrHandleTaken
	}
	return d.client.Expire(ctx, key, ttl).Err()
}

func (d *RedisDirectory) Refresh(ctx context.Context, handle string, ttl time.Duration) error {
	ok, err := d.client.Expire(ctx, d.peerKey(handle), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, handle string) ([]string, error) {
	raw, err := d.client.Get(ctx, d.peerKey(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode directory entry: %w", err)
	}
	return e.Addrs, nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := d.client.Scan(ctx, cursor, d.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, d.prefix))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (d *RedisDirectory) Remove(ctx context.Context, handle string) error {
	return d.client.Del(ctx, d.peerKey(handle)).Err()
}
