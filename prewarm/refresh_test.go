package prewarm

import (
	"context"
	"testing"
	"time"

	"github.com/factseeker/evidencecache/blobstore"
	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
	"github.com/stretchr/testify/require"
)

func publishPartition(t *testing.T, store *blobstore.MemoryStore, id partition.ID, entries []indexpair.Entry, vecs [][]float32) {
	t.Helper()
	ctx := context.Background()

	metaRaw, err := indexpair.EncodeMeta(codec.Default, indexpair.Meta{Version: 1, Entries: entries})
	require.NoError(t, err)
	vecRaw, err := indexpair.EncodeVectors(vecs)
	require.NoError(t, err)

	// Meta before vectors, per the publish protocol.
	require.NoError(t, store.Put(ctx, id.String()+"/"+indexpair.MetaFile, metaRaw))
	require.NoError(t, store.Put(ctx, id.String()+"/"+indexpair.VectorsFile, vecRaw))
}

func titleEntries() ([]indexpair.Entry, [][]float32) {
	entries := []indexpair.Entry{
		{URL: "https://news.example/a", Title: "A"},
		{URL: "https://news.example/b", Title: "B"},
	}
	vecs := [][]float32{{0, 0, 0}, {1, 0, 0}}
	return entries, vecs
}

func TestRefreshPublishesPartition(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	registry := partition.NewRegistry()
	id := partition.FixedID(10)

	entries, vecs := titleEntries()
	publishPartition(t, store, id, entries, vecs)

	r := NewRefresher(store, registry, t.TempDir(), RefresherOptions{})
	require.NoError(t, r.Refresh(ctx, id))

	snap, err := registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, partition.Ready, snap.State)
	require.NotEmpty(t, snap.Watermark)

	pair, err := indexpair.Load(snap.LocalPath, codec.Default)
	require.NoError(t, err)
	require.Equal(t, entries, pair.Meta.Entries)
	require.Equal(t, vecs, pair.Vectors)
}

func TestRefreshMissingRemote(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	registry := partition.NewRegistry()
	id := partition.FixedID(10)

	r := NewRefresher(store, registry, t.TempDir(), RefresherOptions{})
	err := r.Refresh(ctx, id)
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	snap, err := registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, partition.Absent, snap.State)
	require.Empty(t, registry.List())
}

func TestRefreshCorruptRemoteKeepsPriorCopy(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	registry := partition.NewRegistry()
	id := partition.FixedID(10)

	entries, vecs := titleEntries()
	publishPartition(t, store, id, entries, vecs)

	r := NewRefresher(store, registry, t.TempDir(), RefresherOptions{})
	require.NoError(t, r.Refresh(ctx, id))
	before, err := registry.Get(id)
	require.NoError(t, err)

	// Remote gets corrupted; the local copy must keep serving.
	require.NoError(t, store.Put(ctx, id.String()+"/"+indexpair.VectorsFile, []byte("garbage")))

	err = r.Refresh(ctx, id)
	require.ErrorIs(t, err, indexpair.ErrInconsistent)

	after, err := registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, partition.Ready, after.State)
	require.Equal(t, before.Watermark, after.Watermark)

	_, err = indexpair.Load(after.LocalPath, codec.Default)
	require.NoError(t, err)
}

func TestRefreshReplacesStaleCopy(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	registry := partition.NewRegistry()
	id := partition.FixedID(10)

	entries, vecs := titleEntries()
	publishPartition(t, store, id, entries, vecs)

	r := NewRefresher(store, registry, t.TempDir(), RefresherOptions{})
	require.NoError(t, r.Refresh(ctx, id))
	first, err := registry.Get(id)
	require.NoError(t, err)

	// Remote republishes with one more entry.
	entries = append(entries, indexpair.Entry{URL: "https://news.example/c", Title: "C"})
	vecs = append(vecs, []float32{0, 1, 0})
	publishPartition(t, store, id, entries, vecs)

	require.NoError(t, r.Refresh(ctx, id))
	second, err := registry.Get(id)
	require.NoError(t, err)
	require.NotEqual(t, first.Watermark, second.Watermark)

	pair, err := indexpair.Load(second.LocalPath, codec.Default)
	require.NoError(t, err)
	require.Len(t, pair.Meta.Entries, 3)
}

func TestRefreshTimeout(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	registry := partition.NewRegistry()
	id := partition.FixedID(10)

	entries, vecs := titleEntries()
	publishPartition(t, store, id, entries, vecs)

	r := NewRefresher(store, registry, t.TempDir(), RefresherOptions{Timeout: time.Nanosecond})
	err := r.Refresh(ctx, id)
	require.Error(t, err)

	// Prior state (nothing) is intact.
	require.Empty(t, registry.List())
}
