package persistent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/redis/go-redis/v9"
)

type RedisKV struct {
	Client *redis.Client
}

var _ agora.KV = (*RedisKV)(nil)

func RedisOpen(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (kv *RedisKV) Get(ctx context.Context, key string) (string, error) {
	value, err := kv.Client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", agora.ErrKeyNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (kv *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := kv.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (kv *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := kv.Client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so large stores are not blocked.
func (kv *RedisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0, 16)
	iter := kv.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (kv *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := kv.Client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

func (kv *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	counter, err := kv.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	if counter == 1 && ttl > 0 {
		if err := kv.Client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("redis expire counter: %w", err)
		}
	}
	return counter, nil
}

func (kv *RedisKV) LPush(ctx context.Context, key string, values ...string) error {
	if err := kv.Client.LPush(ctx, key, toArgs(values)...).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

func (kv *RedisKV) LTrim(ctx context.Context, key string, start int64, stop int64) error {
	if err := kv.Client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("redis ltrim: %w", err)
	}
	return nil
}

func (kv *RedisKV) LRange(ctx context.Context, key string, start int64, stop int64) ([]string, error) {
	values, err := kv.Client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	return values, nil
}

func (kv *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	if err := kv.Client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (kv *RedisKV) SRem(ctx context.Context, key string, members ...string) error {
	if err := kv.Client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

func (kv *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := kv.Client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return members, nil
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
