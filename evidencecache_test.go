package evidencecache

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/factseeker/evidencecache/blobstore"
	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
	"github.com/factseeker/evidencecache/prewarm"
	"github.com/factseeker/evidencecache/scanner"
	"github.com/stretchr/testify/require"
)

type stubCrawler struct{}

func (stubCrawler) Fetch(_ context.Context, url string) (string, error) {
	return strings.Repeat("article body about "+url+" ", 15), nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{0, 0, 0}
	}
	return vecs, nil
}

type stubValidator struct{}

func (stubValidator) Validate(_ context.Context, _, _ string) (float64, bool, error) {
	return 0.9, true, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) Tick(time.Duration) (<-chan time.Time, func()) {
	return make(chan time.Time), func() {}
}

// recordingHandler captures log records for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) has(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.Watch = false
	return cfg
}

func publishPartition(t *testing.T, store *blobstore.MemoryStore, id partition.ID, urls []string) {
	t.Helper()
	ctx := context.Background()

	entries := make([]indexpair.Entry, len(urls))
	vecs := make([][]float32, len(urls))
	for i, u := range urls {
		entries[i] = indexpair.Entry{URL: u, Title: "title"}
		vecs[i] = []float32{0, 0, 0}
	}

	metaRaw, err := indexpair.EncodeMeta(codec.Default, indexpair.Meta{Version: 1, Entries: entries})
	require.NoError(t, err)
	vecRaw, err := indexpair.EncodeVectors(vecs)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, id.String()+"/"+indexpair.MetaFile, metaRaw))
	require.NoError(t, store.Put(ctx, id.String()+"/"+indexpair.VectorsFile, vecRaw))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrewarmConcurrency = -1
	_, err := New(blobstore.NewMemoryStore(), stubCrawler{}, stubEmbedder{}, stubValidator{}, cfg)
	require.ErrorIs(t, err, ErrConfigInvalid)

	_, err = New(nil, stubCrawler{}, stubEmbedder{}, stubValidator{}, testConfig(t))
	require.Error(t, err)
}

func TestManagerRefreshPrewarmScan(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	id := partition.FixedID(10)
	publishPartition(t, store, id, []string{
		"https://news.example/a",
		"https://news.example/b",
	})

	mgr, err := New(store, stubCrawler{}, stubEmbedder{}, stubValidator{}, testConfig(t), WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, mgr.Refresh(ctx, id))
	snap, err := mgr.Registry().Get(id)
	require.NoError(t, err)
	require.Equal(t, partition.Ready, snap.State)

	stats, err := mgr.Prewarm(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Built)

	records, err := mgr.Scan(ctx, scanner.Claim{ID: "c1", Text: "some claim"})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, id, records[0].Partition)
}

func TestManagerPreload(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	id := partition.FixedID(10)
	publishPartition(t, store, id, []string{"https://news.example/a"})

	cfg := testConfig(t)
	cfg.IncludeFixed10 = true
	mgr, err := New(store, stubCrawler{}, stubEmbedder{}, stubValidator{}, cfg, WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, mgr.Preload(ctx))

	snap, err := mgr.Registry().Get(id)
	require.NoError(t, err)
	require.Equal(t, partition.Ready, snap.State)
	require.NotEmpty(t, snap.Watermark)

	// Sub-caches were prewarmed.
	_, err = indexpair.Load(
		filepath.Join(snap.LocalPath, "articles", prewarm.SubCacheKey("https://news.example/a")),
		codec.Default,
	)
	require.NoError(t, err)
}

func TestManagerPreloadSeedsValidLocalCopy(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	id := partition.FixedID(10)
	publishPartition(t, store, id, []string{"https://news.example/a"})

	cfg := testConfig(t)

	// Materialize a valid local copy before the manager starts.
	dir := filepath.Join(cfg.CacheDir, id.String())
	meta := indexpair.Meta{Version: 1, Entries: []indexpair.Entry{{URL: "https://news.example/a", Title: "t"}}}
	require.NoError(t, indexpair.Write(dir, codec.Default, meta, [][]float32{{0, 0, 0}}))

	mgr, err := New(store, stubCrawler{}, stubEmbedder{}, stubValidator{}, cfg, WithLogger(NoopLogger()))
	require.NoError(t, err)
	require.NoError(t, mgr.Preload(ctx))

	// Seeded from disk, not re-downloaded: the watermark is still unknown.
	snap, err := mgr.Registry().Get(id)
	require.NoError(t, err)
	require.Equal(t, partition.Ready, snap.State)
	require.Empty(t, snap.Watermark)
}

func TestManagerRefreshLogged(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	id := partition.FixedID(10)
	publishPartition(t, store, id, []string{"https://news.example/a"})

	h := &recordingHandler{}
	mgr, err := New(store, stubCrawler{}, stubEmbedder{}, stubValidator{}, testConfig(t), WithLogger(NewLogger(h)))
	require.NoError(t, err)

	require.NoError(t, mgr.Refresh(ctx, id))
	require.True(t, h.has("refresh completed"))

	require.Error(t, mgr.Refresh(ctx, partition.FixedID(11)))
	require.True(t, h.has("refresh failed"))
}

func TestManagerPreloadUsesInjectedClock(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	id := partition.MonthlyID(time.Date(2025, time.August, 15, 12, 0, 0, 0, time.UTC))
	url := "https://news.example/a"
	publishPartition(t, store, id, []string{url})

	mgr, err := New(store, stubCrawler{}, stubEmbedder{}, stubValidator{}, testConfig(t),
		WithLogger(NoopLogger()),
		WithClock(fixedClock{now: time.Date(2025, time.August, 15, 12, 0, 0, 0, time.UTC)}),
	)
	require.NoError(t, err)
	require.NoError(t, mgr.Preload(ctx))

	// The clock's month, not the wall clock's, was the prewarm target.
	snap, err := mgr.Registry().Get(id)
	require.NoError(t, err)
	_, err = indexpair.Load(
		filepath.Join(snap.LocalPath, "articles", prewarm.SubCacheKey(url)),
		codec.Default,
	)
	require.NoError(t, err)
}

func TestManagerRefreshMissingPartition(t *testing.T) {
	mgr, err := New(blobstore.NewMemoryStore(), stubCrawler{}, stubEmbedder{}, stubValidator{}, testConfig(t), WithLogger(NoopLogger()))
	require.NoError(t, err)

	err = mgr.Refresh(context.Background(), partition.FixedID(10))
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
