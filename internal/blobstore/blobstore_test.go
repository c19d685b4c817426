package blobstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/blobstore"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *blobstore.RedisStore {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return blobstore.NewRedisStore(rc.Client(), "test:blob:")
}

func backends(t *testing.T) map[string]blobstore.Store {
	t.Helper()
	fs, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	out := map[string]blobstore.Store{
		"memory": blobstore.NewMemoryStore(),
		"fs":     fs,
	}
	if !testing.Short() {
		out["redis"] = setupRedis(t)
	}
	return out
}

func TestStore_PutGetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "checkpoints/job-1/00000000000000000001"

			require.NoError(t, s.Put(ctx, key, []byte("state-1")))
			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("state-1"), got)

			require.NoError(t, s.Put(ctx, key, []byte("state-2")))
			got, err = s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("state-2"), got)

			require.NoError(t, s.Delete(ctx, key))
			_, err = s.Get(ctx, key)
			assert.ErrorIs(t, err, blobstore.ErrNotFound)

			// Deleting a missing key is not an error.
			assert.NoError(t, s.Delete(ctx, key))
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "checkpoints/none/1")
			assert.ErrorIs(t, err, blobstore.ErrNotFound)
		})
	}
}

func TestStore_EmptyPayload(t *testing.T) {
	for name, s := range backends(t) {
		if name == "redis" {
			// The gofiber driver ignores empty values.
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "empty", []byte{}))
			got, err := s.Get(ctx, "empty")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := blobstore.NewMemoryStore()
	ctx := context.Background()

	data := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", data))
	data[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
	assert.Equal(t, 1, s.Len())
}

func TestFSStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := blobstore.NewFSStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "checkpoints/j/00000000000000000007", []byte("x")))

	_, err = os.Stat(filepath.Join(dir, "checkpoints", "j", "00000000000000000007.blob"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints", "j"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	s, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../b", "a//b", "./a"} {
		assert.Error(t, s.Put(ctx, key, []byte("x")), "key %q", key)
		_, err := s.Get(ctx, key)
		assert.Error(t, err, "key %q", key)
		assert.NotErrorIs(t, err, blobstore.ErrNotFound, "key %q", key)
	}
}

func TestRedisStore_CancelledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Put(ctx, "k", []byte("v")), context.Canceled)
}
