// Package kvstore provides the durable key-value records used to resume a crawl.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"homecrawler/internal/config"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kvstore: key not found")

// Store persists small opaque records so a crawl survives process restarts.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open builds the store selected by configuration.
func Open(ctx context.Context, cfg config.KVConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		redisCfg := RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Namespace,
			Timeout:  cfg.Redis.Timeout.Duration,
		}
		if redisCfg.Addr == "" {
			fromEnv, err := redisConfigFromEnv()
			if err != nil {
				return nil, err
			}
			if fromEnv.Addr == "" {
				return nil, errors.New("kv.redis.addr or REDIS_HOST must be set")
			}
			fromEnv.Prefix = cfg.Namespace
			redisCfg = fromEnv
		}
		return NewRedisStore(ctx, redisCfg)
	case "postgres", "sql":
		return NewSQLStore(ctx, cfg.SQL, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unsupported kv backend %q", cfg.Backend)
	}
}

// redisConfigFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_DB and REDIS_PASSWORD.
func redisConfigFromEnv() (RedisConfig, error) {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return RedisConfig{}, nil
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return RedisConfig{}, fmt.Errorf("parse REDIS_DB: %w", err)
		}
		db = value
	}
	return RedisConfig{
		Addr:     host + ":" + port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// MemoryStore keeps records in process memory. Used for tests and throwaway runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.records[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
