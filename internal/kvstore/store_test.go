package kvstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecrawler/internal/config"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "QUERY")
	assert.ErrorIs(t, err, ErrNotFound)

	value := []byte(`{"queryId":"q"}`)
	require.NoError(t, store.Set(ctx, "QUERY", value))
	value[0] = 'x'

	got, err := store.Get(ctx, "QUERY")
	require.NoError(t, err)
	assert.Equal(t, `{"queryId":"q"}`, string(got))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.KVConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenDefaultsToMemory(t *testing.T) {
	store, err := Open(context.Background(), config.KVConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_PASSWORD", "secret")

	cfg, err := redisConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", cfg.Addr)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "secret", cfg.Password)

	t.Setenv("REDIS_DB", "three")
	_, err = redisConfigFromEnv()
	assert.Error(t, err)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("HOMECRAWLER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HOMECRAWLER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "homecrawler-test"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "STATE", []byte(`["1"]`)))
	got, err := store.Get(ctx, "STATE")
	require.NoError(t, err)
	assert.Equal(t, `["1"]`, string(got))
}

func TestSQLStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("HOMECRAWLER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOMECRAWLER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewSQLStore(ctx, config.SQLConfig{Driver: "postgres", DSN: dsn, AutoMigrate: true}, "test")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "QUERY", []byte(`{}`)))
	require.NoError(t, store.Set(ctx, "QUERY", []byte(`{"queryId":"a"}`)))
	got, err := store.Get(ctx, "QUERY")
	require.NoError(t, err)
	assert.Equal(t, `{"queryId":"a"}`, string(got))
}
