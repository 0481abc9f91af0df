package devlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/steering/internal/fsutil"
)

// ErrCacheMiss is returned by Load when nothing usable is cached.
var ErrCacheMiss = errors.New("device list not cached")

// Cache stores discovered device lists by key.
type Cache interface {
	Load(ctx context.Context, key string) ([]string, error)
	Store(ctx context.Context, key string, names []string) error
	Invalidate(ctx context.Context, key string) error
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileCache keeps one JSON file per key in a directory.
type FileCache struct {
	fs  fsutil.FileSystem
	dir string
}

func NewFileCache(fs fsutil.FileSystem, dir string) *FileCache {
	return &FileCache{fs: fs, dir: dir}
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, unsafeKey.ReplaceAllString(key, "_")+".json")
}

func (c *FileCache) Load(_ context.Context, key string) ([]string, error) {
	p := c.path(key)
	if !c.fs.Exists(p) {
		return nil, ErrCacheMiss
	}
	data, err := c.fs.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read device cache %s: %w", p, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("parse device cache %s: %w", p, err)
	}
	if len(names) == 0 {
		return nil, ErrCacheMiss
	}
	return names, nil
}

func (c *FileCache) Store(_ context.Context, key string, names []string) error {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("device cache dir: %w", err)
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return c.fs.WriteFile(c.path(key), data, 0o644)
}

func (c *FileCache) Invalidate(_ context.Context, key string) error {
	p := c.path(key)
	if !c.fs.Exists(p) {
		return nil
	}
	return c.fs.Remove(p)
}

// RedisCache shares device lists between processes through Redis.
//
// Key schema:
//
//	devlist:{key} - JSON array of device names
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache stores lists with the given TTL. Zero keeps them until
// invalidated.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func redisKey(key string) string { return "devlist:" + key }

func (c *RedisCache) Load(ctx context.Context, key string) ([]string, error) {
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: get device list %s: %w", key, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("redis: unmarshal device list %s: %w", key, err)
	}
	if len(names) == 0 {
		return nil, ErrCacheMiss
	}
	return names, nil
}

func (c *RedisCache) Store(ctx context.Context, key string, names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("redis: marshal device list %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set device list %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete device list %s: %w", key, err)
	}
	return nil
}

var (
	_ Cache = (*FileCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
