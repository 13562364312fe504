package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU + Redis.
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRun retrieves a cached run summary.
	GetRun(ctx context.Context, tenantID string, runID string) (*Run, error)

	// SetRun caches a run summary.
	SetRun(ctx context.Context, tenantID string, run *Run, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"` // If true, check local first, then Redis
}
