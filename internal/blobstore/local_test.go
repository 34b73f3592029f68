package blobstore

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlsecarena/evalrunner/internal/common"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), common.NewSilentLogger())
	require.NoError(t, err)
	return store
}

func TestLocalStorePutGetRoundTrips(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "attacks/sub-1/abc", []byte("hello")))

	got, err := store.Get(ctx, "attacks/sub-1/abc")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestLocalStoreGetMissingReturnsErrNotFound(t *testing.T) {
	store := newTestLocalStore(t)
	_, err := store.Get(context.Background(), "missing/key")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStoreGetReaderStreams(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", []byte("streamed")))

	rc, err := store.GetReader(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("streamed"), data)
}

func TestLocalStoreSanitizesPathTraversal(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "../../etc/passwd", []byte("nope")))

	// The sanitized path must stay within basePath.
	path := store.keyToPath("../../etc/passwd")
	rel, err := filepath.Rel(store.basePath, path)
	require.NoError(t, err)
	require.False(t, rel == ".." || filepath.IsAbs(rel) || len(rel) >= 2 && rel[:2] == "..")
}
