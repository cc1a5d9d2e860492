// Package kv provides a small Redis-like key-value store abstraction with
// in-memory and Redis-backed implementations.
//
// Backends register themselves on import:
//
//	import (
//		"github.com/cupperp/cupperp-backend/pkg/kv"
//		_ "github.com/cupperp/cupperp-backend/pkg/kv/memory"
//		_ "github.com/cupperp/cupperp-backend/pkg/kv/redis"
//	)
//
//	store, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendRedis, RedisURL: "redis://localhost:6379/0"})
//
// A redis backend that cannot be reached at startup falls back to memory when
// FallbackToMemory is set. Custody balances and cached market snapshots are
// both stored through this interface.
package kv
