package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const compressedFlag = 1

// RedisCache implements Cache on Redis. Large values are gzipped behind a
// one-byte flag.
type RedisCache struct {
	client *redis.Client
	opts   Options
}

func NewRedisCache(client *redis.Client, opts Options) *RedisCache {
	opts.withDefaults()
	return &RedisCache{client: client, opts: opts}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.opts.Namespace+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get error: %w", err)
	}

	data, err = decompress(data)
	if err != nil {
		return fmt.Errorf("decompress error: %w", err)
	}
	if err := c.opts.Codec.Decode(data, dest); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := c.opts.Codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	data, err = c.compress(data)
	if err != nil {
		return fmt.Errorf("compress error: %w", err)
	}
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	if err := c.client.Set(ctx, c.opts.Namespace+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.opts.Namespace+key).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close is a no-op; the client is shared and closed by its owner.
func (c *RedisCache) Close() error { return nil }

func (c *RedisCache) compress(data []byte) ([]byte, error) {
	if c.opts.CompressionThreshold <= 0 || len(data) < c.opts.CompressionThreshold {
		return data, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(compressedFlag)
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress passes through values without the flag; JSON never starts
// with byte 1.
func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != compressedFlag {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data[1:]))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
