// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cupperp/cupperp-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"SetWithTTL", testSetWithTTL},
		{"Del", testDel},
		{"Exists", testExists},
		{"IncrBy", testIncrBy},
		{"Hash", testHash},
		{"HashMissing", testHashMissing},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	if err := store.Set(ctx, "test:string", []byte("hello")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get(ctx, "test:string")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want %q", got, "hello")
	}

	// overwrite
	if err := store.Set(ctx, "test:string", []byte("world")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, _ = store.Get(ctx, "test:string")
	if string(got) != "world" {
		t.Errorf("Get after overwrite = %q, want %q", got, "world")
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "test:missing")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	if err := store.Set(ctx, "test:ttl", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.Get(ctx, "test:ttl"); err != nil {
		t.Fatalf("expected key before expiry: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if _, err := store.Get(ctx, "test:ttl"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func testDel(t *testing.T, store kv.Store) {
	ctx := context.Background()
	store.Set(ctx, "test:del1", []byte("a"))
	store.HSet(ctx, "test:del2", "f", []byte("b"))

	n, err := store.Del(ctx, "test:del1", "test:del2", "test:del3")
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Del = %d, want 2", n)
	}
	if _, err := store.Get(ctx, "test:del1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected deleted key to be gone, got %v", err)
	}
}

func testExists(t *testing.T, store kv.Store) {
	ctx := context.Background()
	store.Set(ctx, "test:exists", []byte("a"))

	n, err := store.Exists(ctx, "test:exists", "test:nope")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Exists = %d, want 1", n)
	}
}

func testIncrBy(t *testing.T, store kv.Store) {
	ctx := context.Background()
	v, err := store.IncrBy(ctx, "test:counter", 5)
	if err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}
	if v != 5 {
		t.Errorf("IncrBy = %d, want 5", v)
	}
	v, _ = store.IncrBy(ctx, "test:counter", -2)
	if v != 3 {
		t.Errorf("IncrBy = %d, want 3", v)
	}
}

func testHash(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:hash"
	if err := store.HSet(ctx, key, "long", []byte("1000")); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if err := store.HSet(ctx, key, "short", []byte("999.5")); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}

	got, err := store.HGet(ctx, key, "short")
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}
	if string(got) != "999.5" {
		t.Errorf("HGet = %q, want %q", got, "999.5")
	}

	all, err := store.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	want := map[string][]byte{"long": []byte("1000"), "short": []byte("999.5")}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("HGetAll = %v, want %v", all, want)
	}

	n, err := store.HDel(ctx, key, "long", "missing")
	if err != nil {
		t.Fatalf("HDel failed: %v", err)
	}
	if n != 1 {
		t.Errorf("HDel = %d, want 1", n)
	}
}

func testHashMissing(t *testing.T, store kv.Store) {
	ctx := context.Background()
	if _, err := store.HGet(ctx, "test:nohash", "f"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	all, err := store.HGetAll(ctx, "test:nohash")
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("HGetAll on missing key = %v, want empty", all)
	}
}

func testPing(t *testing.T, store kv.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
