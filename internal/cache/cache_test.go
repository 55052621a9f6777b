package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestInMemoryCacheExpiry(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected v, got %q (%v)", got, err)
	}

	now = now.Add(time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestInMemoryCacheSetNX(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := c.SetNX(ctx, "k", []byte("first"), time.Minute)
	if !ok {
		t.Fatalf("first SetNX must win")
	}
	ok, _ = c.SetNX(ctx, "k", []byte("second"), time.Minute)
	if ok {
		t.Fatalf("second SetNX must lose")
	}
	if got, _ := c.Get(ctx, "k"); string(got) != "first" {
		t.Fatalf("value overwritten: %q", got)
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := c.SetNX(ctx, "k", []byte("third"), time.Minute); !ok {
		t.Fatalf("SetNX must succeed on expired key")
	}

	_ = c.Delete(ctx, "k")
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestInMemoryCacheSweepDropsExpiredKeys(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.mu.Lock()
	c.now = func() time.Time { return now }
	c.mu.Unlock()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_ = c.Set(ctx, fmt.Sprintf("short:%d", i), []byte("v"), time.Minute)
	}
	_ = c.Set(ctx, "long", []byte("v"), time.Hour)

	if removed := c.sweep(); removed != 0 {
		t.Fatalf("nothing expired yet, removed %d", removed)
	}

	c.mu.Lock()
	now = now.Add(2 * time.Minute)
	c.mu.Unlock()
	if removed := c.sweep(); removed != 100 {
		t.Fatalf("expected 100 removed, got %d", removed)
	}

	c.mu.Lock()
	left := len(c.data)
	c.mu.Unlock()
	if left != 1 {
		t.Fatalf("expected only the long-lived key, %d left", left)
	}
	if got, err := c.Get(ctx, "long"); err != nil || string(got) != "v" {
		t.Fatalf("live key lost: %q %v", got, err)
	}
}

func TestInMemoryCacheSweepLoopStops(t *testing.T) {
	c := &InMemoryCache{
		data:   map[string]cacheEntry{"k": {value: []byte("v")}},
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	done := make(chan struct{})
	go func() {
		c.sweepLoop(time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.data)
		c.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired key was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = c.Close()
	_ = c.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep loop did not stop")
	}
}

func TestJSONHelpers(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	type payload struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	if err := SetJSON(ctx, c, "p", payload{Status: 201, Body: "ok"}, time.Minute); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var got payload
	if err := GetJSON(ctx, c, "p", &got); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if got.Status != 201 || got.Body != "ok" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	key := "test:" + time.Now().Format(time.RFC3339Nano)
	defer c.Delete(ctx, key)

	if ok, err := c.SetNX(ctx, key, []byte("a"), time.Minute); err != nil || !ok {
		t.Fatalf("SetNX: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.SetNX(ctx, key, []byte("b"), time.Minute); ok {
		t.Fatalf("second SetNX must lose")
	}
	if got, err := c.Get(ctx, key); err != nil || string(got) != "a" {
		t.Fatalf("expected a, got %q (%v)", got, err)
	}
	if _, err := c.Get(ctx, key+":missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
