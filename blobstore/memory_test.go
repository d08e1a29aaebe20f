package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "partition_10/meta")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Stat(ctx, "partition_10/meta")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "partition_10/meta", []byte("m")))
	data, err := store.Get(ctx, "partition_10/meta")
	require.NoError(t, err)
	require.Equal(t, []byte("m"), data)

	info, err := store.Stat(ctx, "partition_10/meta")
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Size)
	require.NotEmpty(t, info.ETag)
}

func TestMemoryStoreWatermarkChangesOnPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Put(ctx, "partition_10/vectors", []byte("v1")))
	before, err := store.Stat(ctx, "partition_10/vectors")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "partition_10/vectors", []byte("v2")))
	after, err := store.Stat(ctx, "partition_10/vectors")
	require.NoError(t, err)

	require.NotEqual(t, before.Watermark(), after.Watermark())
}

func TestMemoryStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "partition_10/meta", []byte("m")))
	require.NoError(t, store.Put(ctx, "partition_10/vectors", []byte("v")))
	require.NoError(t, store.Put(ctx, "partition_202508/meta", []byte("m")))

	keys, err := store.List(ctx, "partition_10/")
	require.NoError(t, err)
	require.Equal(t, []string{"partition_10/meta", "partition_10/vectors"}, keys)

	require.NoError(t, store.Delete(ctx, "partition_10/"))
	keys, err = store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"partition_202508/meta"}, keys)
}

func TestWatermarkFormat(t *testing.T) {
	info := ObjectInfo{ETag: "abc", LastModified: time.Unix(1_700_000_000, 0)}
	require.Equal(t, "abc_1700000000", info.Watermark())
}
