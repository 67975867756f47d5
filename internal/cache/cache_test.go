package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type sample struct {
	Rider string  `json:"rider"`
	Lat   float64 `json:"lat"`
}

func TestMemorySetGetExpire(t *testing.T) {
	c := NewMemory()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", sample{Rider: "r1", Lat: -1.28}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got sample
	if err := c.Get(ctx, "k", &got); err != nil || got.Rider != "r1" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	now = now.Add(61 * time.Second)
	if err := c.Get(ctx, "k", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	_ = c.Set(ctx, "k", 1, 0)
	_ = c.Delete(ctx, "k")
	var v int
	if err := c.Get(ctx, "k", &v); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestRedisSetGetExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	if err := c.Set(ctx, "rider_location_fast:r1", sample{Rider: "r1", Lat: -1.28}, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got sample
	if err := c.Get(ctx, "rider_location_fast:r1", &got); err != nil || got.Lat != -1.28 {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	mr.FastForward(6 * time.Minute)
	if err := c.Get(ctx, "rider_location_fast:r1", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close()
	var got sample
	err := c.Get(context.Background(), "k", &got)
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected connection error, got %v", err)
	}
}
