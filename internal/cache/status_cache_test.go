//go:build integration
// +build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestRedis(ctx context.Context, t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		container, err := tcredis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("failed to start redis container: %v", err)
		}
		t.Cleanup(func() { container.Terminate(ctx) })
		addr, err = container.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("failed to get redis endpoint: %v", err)
		}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStatusCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(ctx, t)
	c := NewStatusCache(client, time.Minute, log.NewNop())

	if got := c.Get(ctx, "missing"); got != nil {
		t.Fatalf("Get(missing) = %+v, want nil", got)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	item := &tryon.QueueItem{
		ID:     "job-1",
		Status: tryon.StatusCompleted,
		ResultData: &tryon.ResultData{
			Results:               []tryon.GarmentResult{{Category: tryon.CategoryUpperBody, Confidence: 0.95}},
			TotalProcessingTimeMs: 1200,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.Put(ctx, item)

	got := c.Get(ctx, "job-1")
	if got == nil {
		t.Fatal("Get after Put = nil")
	}
	if got.Status != tryon.StatusCompleted || got.ResultData == nil ||
		got.ResultData.TotalProcessingTimeMs != 1200 {
		t.Fatalf("cached item = %+v", got)
	}

	c.Drop(ctx, "job-1")
	if got := c.Get(ctx, "job-1"); got != nil {
		t.Fatalf("Get after Drop = %+v, want nil", got)
	}
}

func TestStatusCacheIgnoresNonTerminal(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(ctx, t)
	c := NewStatusCache(client, time.Minute, log.NewNop())

	c.Put(ctx, &tryon.QueueItem{ID: "job-2", Status: tryon.StatusPending})
	if got := c.Get(ctx, "job-2"); got != nil {
		t.Fatalf("pending item was cached: %+v", got)
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *StatusCache
	ctx := context.Background()
	c.Put(ctx, &tryon.QueueItem{ID: "x", Status: tryon.StatusCompleted})
	if got := c.Get(ctx, "x"); got != nil {
		t.Fatalf("nil cache returned %+v", got)
	}
	c.Drop(ctx, "x")
}
