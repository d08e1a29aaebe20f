package prewarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/factseeker/evidencecache/blobstore"
	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultConcurrency bounds parallel sub-cache builds. Conservative:
	// every build hits an origin site and the embedding service.
	DefaultConcurrency = 3

	// minArticleLen rejects crawl results too short to be an article body,
	// counted in runes so multi-byte scripts are measured the same way.
	minArticleLen = 200

	chunkSize    = 600
	chunkOverlap = 100
)

// Stats aggregates the outcome of one reconciliation sweep.
type Stats struct {
	Attempted int
	Built     int
	Skipped   int
	Failed    int
}

// Options control a single reconciliation sweep.
type Options struct {
	// Limit caps how many URLs are processed. 0 means unlimited.
	Limit int

	// ForceReload rebuilds sub-caches that are already materialized.
	ForceReload bool
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// Codec for metadata blobs. Defaults to codec.Default.
	Codec codec.Codec

	// Concurrency bounds parallel builds. Defaults to DefaultConcurrency.
	Concurrency int

	// CrawlRate paces crawler calls across all workers.
	// Zero means unpaced.
	CrawlRate rate.Limit

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Reconciler materializes the per-URL sub-caches referenced by a
// partition's title index.
//
// Builds are idempotent: an already-valid sub-cache is skipped unless
// force-reload is set. A singleflight group keyed by sub-cache gives the
// required per-key mutual exclusion, shared with the scanner's query-time
// cold-build path.
type Reconciler struct {
	remote   blobstore.Store
	registry *partition.Registry
	crawler  Crawler
	embedder Embedder
	cacheDir string

	codec       codec.Codec
	concurrency int64
	limiter     *rate.Limiter
	group       singleflight.Group
	logger      *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(remote blobstore.Store, registry *partition.Registry, crawler Crawler, embedder Embedder, cacheDir string, opts ReconcilerOptions) *Reconciler {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CrawlRate <= 0 {
		opts.CrawlRate = rate.Inf
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		remote:      remote,
		registry:    registry,
		crawler:     crawler,
		embedder:    embedder,
		cacheDir:    cacheDir,
		codec:       opts.Codec,
		concurrency: int64(opts.Concurrency),
		limiter:     rate.NewLimiter(opts.CrawlRate, 1),
		logger:      opts.Logger,
	}
}

// Reconcile ensures every URL referenced by the partition's title index
// has a materialized sub-cache. A single key's failure is counted and
// skipped; it never aborts the sweep. Returns partial stats with ctx.Err()
// if the context is cancelled mid-sweep.
func (rc *Reconciler) Reconcile(ctx context.Context, id partition.ID, opts Options) (Stats, error) {
	snap, err := rc.registry.Get(id)
	if err != nil {
		return Stats{}, fmt.Errorf("prewarm: reconcile %s: %w", id, err)
	}
	if snap.State != partition.Ready && snap.State != partition.Stale {
		return Stats{}, fmt.Errorf("prewarm: reconcile %s: partition is %s", id, snap.State)
	}

	pair, err := indexpair.Load(snap.LocalPath, rc.codec)
	if err != nil {
		return Stats{}, fmt.Errorf("prewarm: reconcile %s: %w", id, err)
	}

	urls := uniqueURLs(pair.Meta.Entries)
	if opts.Limit > 0 && len(urls) > opts.Limit {
		urls = urls[:opts.Limit]
	}

	var (
		mu    sync.Mutex
		stats Stats
		wg    sync.WaitGroup
	)
	sem := semaphore.NewWeighted(rc.concurrency)

	for _, url := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled; report what we have
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			defer sem.Release(1)

			built, err := rc.ensure(ctx, id, url, opts.ForceReload)

			mu.Lock()
			defer mu.Unlock()
			stats.Attempted++
			switch {
			case err != nil:
				stats.Failed++
				rc.logger.WarnContext(ctx, "sub-cache build failed",
					"partition", id.String(),
					"url", url,
					"error", err,
				)
			case built:
				stats.Built++
			default:
				stats.Skipped++
			}
		}(url)
	}
	wg.Wait()

	rc.logger.InfoContext(ctx, "reconcile finished",
		"partition", id.String(),
		"attempted", stats.Attempted,
		"built", stats.Built,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, ctx.Err()
}

// EnsureSubCache returns the sub-cache for url, building it first if it is
// not materialized. This is the scanner's cold-build path; it shares the
// reconciler's per-key exclusivity.
func (rc *Reconciler) EnsureSubCache(ctx context.Context, id partition.ID, url string) (*indexpair.Pair, error) {
	if _, err := rc.ensure(ctx, id, url, false); err != nil {
		return nil, err
	}
	return indexpair.Load(subCacheDir(rc.cacheDir, id, url), rc.codec)
}

// ensure materializes one sub-cache. Exactly one build per key runs at a
// time; concurrent callers share its result.
func (rc *Reconciler) ensure(ctx context.Context, id partition.ID, url string, force bool) (bool, error) {
	key := id.String() + "/" + SubCacheKey(url)
	built, err, _ := rc.group.Do(key, func() (any, error) {
		return rc.build(ctx, id, url, force)
	})
	if err != nil {
		return false, err
	}
	return built.(bool), nil
}

func (rc *Reconciler) build(ctx context.Context, id partition.ID, url string, force bool) (bool, error) {
	dir := subCacheDir(rc.cacheDir, id, url)

	if force {
		if err := os.RemoveAll(dir); err != nil {
			return false, fmt.Errorf("prewarm: remove sub-cache for %s: %w", url, err)
		}
	} else {
		_, err := indexpair.Load(dir, rc.codec)
		if err == nil {
			return false, nil // already materialized
		}
		if errors.Is(err, indexpair.ErrInconsistent) {
			// Torn copy: treat as absent and rebuild from scratch.
			if err := os.RemoveAll(dir); err != nil {
				return false, fmt.Errorf("prewarm: remove torn sub-cache for %s: %w", url, err)
			}
		}
	}

	// Reuse a remote copy when one exists before paying for a crawl.
	if ok, err := rc.fetchRemote(ctx, id, url, dir); err == nil && ok {
		return true, nil
	} else if err != nil {
		rc.logger.DebugContext(ctx, "remote sub-cache unusable, rebuilding",
			"url", url,
			"error", err,
		)
	}

	if err := rc.limiter.Wait(ctx); err != nil {
		return false, err
	}
	text, err := rc.crawler.Fetch(ctx, url)
	if err != nil {
		return false, fmt.Errorf("prewarm: crawl %s: %w", url, err)
	}
	if n := utf8.RuneCountInString(text); n < minArticleLen {
		return false, fmt.Errorf("prewarm: crawl %s: body too short (%d chars)", url, n)
	}

	chunks := splitChunks(text, chunkSize, chunkOverlap)
	vecs, err := rc.embedder.Embed(ctx, chunks)
	if err != nil {
		return false, fmt.Errorf("prewarm: embed %s: %w", url, err)
	}
	if len(vecs) != len(chunks) {
		return false, fmt.Errorf("prewarm: embed %s: %d vectors for %d chunks", url, len(vecs), len(chunks))
	}

	meta := indexpair.Meta{Version: 1, Entries: make([]indexpair.Entry, len(chunks))}
	for i, chunk := range chunks {
		meta.Entries[i] = indexpair.Entry{URL: url, Text: chunk}
	}

	if err := indexpair.Write(dir, rc.codec, meta, vecs); err != nil {
		return false, err
	}

	rc.uploadRemote(ctx, id, url, meta, vecs)
	return true, nil
}

// fetchRemote materializes the sub-cache from the object store if both
// blobs exist there. Returns ok=false without error when absent.
func (rc *Reconciler) fetchRemote(ctx context.Context, id partition.ID, url, dir string) (bool, error) {
	if _, err := rc.remote.Stat(ctx, remoteSubCacheKey(id, url, indexpair.VectorsFile)); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	metaRaw, err := rc.remote.Get(ctx, remoteSubCacheKey(id, url, indexpair.MetaFile))
	if err != nil {
		return false, err
	}
	vecRaw, err := rc.remote.Get(ctx, remoteSubCacheKey(id, url, indexpair.VectorsFile))
	if err != nil {
		return false, err
	}
	if _, err := indexpair.DecodeMeta(rc.codec, metaRaw); err != nil {
		return false, err
	}
	if _, err := indexpair.DecodeVectors(vecRaw); err != nil {
		return false, err
	}

	if err := indexpair.WriteRaw(dir, metaRaw, vecRaw); err != nil {
		return false, err
	}
	return true, nil
}

// uploadRemote publishes a freshly built sub-cache back to the object
// store, meta before vectors. Best effort: the local build already
// succeeded, so an upload failure only costs a future rebuild elsewhere.
func (rc *Reconciler) uploadRemote(ctx context.Context, id partition.ID, url string, meta indexpair.Meta, vecs [][]float32) {
	metaRaw, err := indexpair.EncodeMeta(rc.codec, meta)
	if err == nil {
		err = rc.remote.Put(ctx, remoteSubCacheKey(id, url, indexpair.MetaFile), metaRaw)
	}
	if err == nil {
		var vecRaw []byte
		vecRaw, err = indexpair.EncodeVectors(vecs)
		if err == nil {
			err = rc.remote.Put(ctx, remoteSubCacheKey(id, url, indexpair.VectorsFile), vecRaw)
		}
	}
	if err != nil {
		rc.logger.WarnContext(ctx, "sub-cache upload failed",
			"partition", id.String(),
			"url", url,
			"error", err,
		)
	}
}

func uniqueURLs(entries []indexpair.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		if _, ok := seen[e.URL]; ok {
			continue
		}
		seen[e.URL] = struct{}{}
		urls = append(urls, e.URL)
	}
	return urls
}

// splitChunks slices text into rune windows of size chars with the given
// overlap between consecutive chunks.
func splitChunks(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= size {
		return []string{string(runes)}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
