package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/internal/domain/cart"
)

func exerciseStore(t *testing.T, store cart.IdentityStore) {
	t.Helper()
	ctx := context.Background()

	token, err := store.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, store.Set(ctx, "guest-1"))
	token, err = store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "guest-1", token)

	require.NoError(t, store.Set(ctx, "guest-2"))
	token, err = store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "guest-2", token)

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	token, err = store.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "identity.json")
	store, err := NewFile(path)
	require.NoError(t, err)
	exerciseStore(t, store)

	require.NoError(t, store.Set(context.Background(), "persisted"))
	reopened, err := NewFile(path)
	require.NoError(t, err)
	token, err := reopened.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "persisted", token)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	store, err := NewFile(path)
	require.NoError(t, err)
	_, err = store.Get(context.Background())
	require.Error(t, err)

	_, err = NewFile("")
	require.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ORDERSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORDERSYNC_TEST_REDIS_ADDR not set")
	}
	store := NewRedis(addr, "", 0, "ordersync:test:"+uuid.NewString())
	defer func() {
		_ = store.Close()
	}()
	exerciseStore(t, store)
}
