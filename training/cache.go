package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobStatusCacheTTL     = 5 * time.Second
	jobStatusCacheTimeout = 300 * time.Millisecond
)

// redisOptionsFromEnv resolves the cache connection settings. REDIS_URL wins
// when set; otherwise REDIS_ADDR, REDIS_PASSWORD, and REDIS_DB are read
// individually, with the address defaulting to localhost:6379.
func redisOptionsFromEnv() (*redis.Options, error) {
	if rawURL := strings.TrimSpace(os.Getenv("REDIS_URL")); rawURL != "" {
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("training: parse REDIS_URL: %w", err)
		}
		return opts, nil
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}
	opts := &redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("training: invalid REDIS_DB %q", raw)
		}
		opts.DB = db
	}
	return opts, nil
}

// newRedisClientFromEnv connects and pings. Callers treat any error as a
// disabled status cache rather than a startup failure.
func newRedisClientFromEnv() (*redis.Client, error) {
	opts, err := redisOptionsFromEnv()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("training: ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// statusCache keeps recently served job status payloads in Redis so status
// polling does not hammer the database. A nil cache degrades to misses.
type statusCache struct {
	client *redis.Client
}

func newStatusCache(client *redis.Client) *statusCache {
	if client == nil {
		return nil
	}
	return &statusCache{client: client}
}

func (c *statusCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), jobStatusCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= jobStatusCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, jobStatusCacheTimeout)
}

func (c *statusCache) key(jobID uint64) string {
	if c == nil || c.client == nil || jobID == 0 {
		return ""
	}
	return fmt.Sprintf("training:status:%d", jobID)
}

func (c *statusCache) get(ctx context.Context, jobID uint64) (*Job, error) {
	if c == nil || c.client == nil {
		return nil, redis.Nil
	}
	key := c.key(jobID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *statusCache) store(ctx context.Context, job *Job) {
	if c == nil || c.client == nil || job == nil {
		return
	}
	key := c.key(job.ID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("training: marshal status cache payload failed: %v", err)
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, payload, jobStatusCacheTTL).Err(); err != nil {
		log.Printf("training: store status cache failed: %v", err)
	}
}

func (c *statusCache) invalidate(ctx context.Context, jobID uint64) {
	if c == nil || c.client == nil {
		return
	}
	key := c.key(jobID)
	if key == "" {
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Printf("training: invalidate status cache failed: %v", err)
	}
}
