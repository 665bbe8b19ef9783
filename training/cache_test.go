package training

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisOptionsFromEnv(t *testing.T) {
	t.Run("url takes precedence", func(t *testing.T) {
		t.Setenv("REDIS_URL", "redis://:secret@cache.internal:6380/3")
		t.Setenv("REDIS_ADDR", "ignored:1")

		opts, err := redisOptionsFromEnv()
		if err != nil {
			t.Fatalf("options failed: %v", err)
		}
		if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 3 {
			t.Errorf("parsed options = %+v", opts)
		}
	})

	t.Run("individual variables", func(t *testing.T) {
		t.Setenv("REDIS_URL", "")
		t.Setenv("REDIS_ADDR", "cache.internal:6379")
		t.Setenv("REDIS_PASSWORD", "hunter2")
		t.Setenv("REDIS_DB", "2")

		opts, err := redisOptionsFromEnv()
		if err != nil {
			t.Fatalf("options failed: %v", err)
		}
		if opts.Addr != "cache.internal:6379" || opts.Password != "hunter2" || opts.DB != 2 {
			t.Errorf("parsed options = %+v", opts)
		}
	})

	t.Run("default address", func(t *testing.T) {
		t.Setenv("REDIS_URL", "")
		t.Setenv("REDIS_ADDR", "")
		t.Setenv("REDIS_PASSWORD", "")
		t.Setenv("REDIS_DB", "")

		opts, err := redisOptionsFromEnv()
		if err != nil {
			t.Fatalf("options failed: %v", err)
		}
		if opts.Addr != "localhost:6379" || opts.DB != 0 {
			t.Errorf("parsed options = %+v", opts)
		}
	})

	t.Run("bad db index", func(t *testing.T) {
		t.Setenv("REDIS_URL", "")
		t.Setenv("REDIS_DB", "two")

		if _, err := redisOptionsFromEnv(); err == nil {
			t.Fatal("expected an error for a non-numeric REDIS_DB")
		}
	})

	t.Run("bad url", func(t *testing.T) {
		t.Setenv("REDIS_URL", "http://not-redis")

		if _, err := redisOptionsFromEnv(); err == nil {
			t.Fatal("expected an error for a non-redis URL")
		}
	})
}

func TestStatusCacheDisabled(t *testing.T) {
	c := newStatusCache(nil)
	ctx := context.Background()

	if _, err := c.get(ctx, 1); !errors.Is(err, redis.Nil) {
		t.Errorf("disabled cache get = %v, want redis.Nil", err)
	}
	// Writes and invalidations are silent no-ops.
	c.store(ctx, &Job{ID: 1})
	c.invalidate(ctx, 1)
}
