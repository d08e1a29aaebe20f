package evidencecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/factseeker/evidencecache/blobstore"
	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
	"github.com/factseeker/evidencecache/prewarm"
	"github.com/factseeker/evidencecache/scanner"
	"github.com/factseeker/evidencecache/watcher"
	"github.com/factseeker/evidencecache/watchstate"
)

// Manager owns the partition registry and the components that keep it
// current: the refresher, the prewarm reconciler, the change watcher, and
// the evidence scanner.
type Manager struct {
	cfg      Config
	store    blobstore.Store
	codec    codec.Codec
	logger   *Logger
	now      func() time.Time
	registry *partition.Registry

	refresher  *prewarm.Refresher
	reconciler *prewarm.Reconciler
	scanner    *scanner.Scanner
	watcher    *watcher.Watcher
}

// New creates a Manager over the given blob store and collaborators.
func New(store blobstore.Store, crawler prewarm.Crawler, embedder prewarm.Embedder, validator scanner.Validator, cfg Config, optFns ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("evidencecache: nil blob store")
	}

	opts := options{
		codec:  codec.Default,
		logger: NewLogger(nil),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	nowFn := time.Now
	if opts.clock != nil {
		nowFn = opts.clock.Now
	}

	state := opts.state
	if state == nil && cfg.WatchStateFile != "" {
		state = watchstate.NewFileStore(cfg.WatchStateFile)
	}

	registry := partition.NewRegistry()

	refresher := prewarm.NewRefresher(store, registry, cfg.CacheDir, prewarm.RefresherOptions{
		Codec:  opts.codec,
		Logger: opts.logger.Logger,
	})

	reconciler := prewarm.NewReconciler(store, registry, crawler, embedder, cfg.CacheDir, prewarm.ReconcilerOptions{
		Codec:       opts.codec,
		Concurrency: cfg.PrewarmConcurrency,
		CrawlRate:   opts.crawlRate,
		Logger:      opts.logger.Logger,
	})

	scn := scanner.NewScanner(registry, embedder, validator, reconciler, scanner.ScannerOptions{
		Codec:        opts.codec,
		MaxDistance:  float32(cfg.DistanceThreshold),
		StopHits:     cfg.PartitionStopHits,
		MaxEvidences: cfg.MaxEvidencesPerClaim,
		Logger:       opts.logger.Logger,
	})

	wtc := watcher.NewWatcher(store, refresher, watcher.WatcherOptions{
		Interval:       cfg.WatchInterval,
		IncludeFixed10: cfg.IncludeFixed10,
		Discover:       opts.discover,
		State:          state,
		Clock:          opts.clock,
		Logger:         opts.logger.Logger,
	})

	return &Manager{
		cfg:        cfg,
		store:      store,
		codec:      opts.codec,
		logger:     opts.logger,
		now:        nowFn,
		registry:   registry,
		refresher:  refresher,
		reconciler: reconciler,
		scanner:    scn,
		watcher:    wtc,
	}, nil
}

// Registry exposes the partition registry for inspection.
func (m *Manager) Registry() *partition.Registry {
	return m.registry
}

// Refresh replaces one partition's local copy with the current remote
// snapshot.
func (m *Manager) Refresh(ctx context.Context, id partition.ID) error {
	err := m.refresher.Refresh(ctx, id)
	if errors.Is(err, prewarm.ErrRefreshInFlight) {
		return nil
	}
	var watermark string
	if err == nil {
		if snap, gerr := m.registry.Get(id); gerr == nil {
			watermark = snap.Watermark
		}
	}
	m.logger.LogRefresh(ctx, id, watermark, err)
	return err
}

// Prewarm materializes the sub-caches of one partition, honoring the
// configured limit and force-reload flag.
func (m *Manager) Prewarm(ctx context.Context, id partition.ID) (prewarm.Stats, error) {
	stats, err := m.reconciler.Reconcile(ctx, id, prewarm.Options{
		Limit:       m.cfg.PrewarmLimit,
		ForceReload: m.cfg.ForceReload,
	})
	m.logger.LogReconcile(ctx, id, stats.Built, stats.Skipped, stats.Failed)
	return stats, err
}

// Preload seeds the registry at startup: partitions already valid on disk
// are registered as-is, every other partition published remotely is
// downloaded, and the startup set (current month plus, when configured,
// the fixed bucket 10) is prewarmed. With ForceReload set, local copies
// are ignored and everything is re-downloaded.
func (m *Manager) Preload(ctx context.Context) error {
	seeded := m.seedFromDisk(ctx)

	remote, err := m.store.List(ctx, partition.Prefix)
	if err != nil {
		return fmt.Errorf("evidencecache: preload: list remote: %w", err)
	}
	for _, id := range publishedPartitions(remote) {
		if seeded[id] && !m.cfg.ForceReload {
			continue
		}
		if err := m.Refresh(ctx, id); err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				continue // republish race; the watcher will catch up
			}
			return fmt.Errorf("evidencecache: preload %s: %w", id, err)
		}
	}

	targets := []partition.ID{partition.MonthlyID(watcher.PublisherTime(m.now()))}
	if m.cfg.IncludeFixed10 {
		targets = append(targets, partition.FixedID(10))
	}
	for _, id := range targets {
		if _, err := m.registry.Get(id); err != nil {
			m.logger.WithPartition(id).WarnContext(ctx, "partition not published, skipping prewarm")
			continue
		}
		if _, err := m.Prewarm(ctx, id); err != nil {
			return fmt.Errorf("evidencecache: preload %s: %w", id, err)
		}
	}
	return nil
}

// seedFromDisk registers every valid partition already materialized in the
// cache directory. Torn or unparsable directories are left for Refresh to
// replace.
func (m *Manager) seedFromDisk(ctx context.Context) map[partition.ID]bool {
	seeded := map[partition.ID]bool{}
	if m.cfg.ForceReload {
		return seeded
	}

	entries, err := os.ReadDir(m.cfg.CacheDir)
	if err != nil {
		return seeded
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := partition.ParseID(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(m.cfg.CacheDir, e.Name())
		if _, err := indexpair.Load(dir, m.codec); err != nil {
			continue
		}
		// Watermark intentionally left empty: the first watcher tick sees
		// an unknown watermark and refreshes if the remote moved on.
		m.registry.Upsert(partition.Snapshot{
			ID:        id,
			LocalPath: dir,
			State:     partition.Ready,
		})
		seeded[id] = true
		m.logger.WithPartition(id).DebugContext(ctx, "partition seeded from disk")
	}
	return seeded
}

// publishedPartitions extracts the partition ids whose vectors blob is
// visible in a remote key listing.
func publishedPartitions(keys []string) []partition.ID {
	var ids []partition.ID
	seen := map[partition.ID]bool{}
	for _, key := range keys {
		dir, file, ok := strings.Cut(key, "/")
		if !ok || file != indexpair.VectorsFile {
			continue
		}
		id, err := partition.ParseID(dir)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Watch runs the change watcher until ctx is cancelled. Only meaningful
// when watching is enabled in the configuration.
func (m *Manager) Watch(ctx context.Context) error {
	if !m.cfg.Watch {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.watcher.Run(ctx)
}

// Scan collects validated evidence for the claim from the cached
// partitions, newest first.
func (m *Manager) Scan(ctx context.Context, claim scanner.Claim) ([]scanner.EvidenceRecord, error) {
	records, err := m.scanner.Scan(ctx, claim)
	m.logger.LogScan(ctx, claim.ID, len(records), err)
	return records, err
}
