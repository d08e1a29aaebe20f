// Package watcher polls the object store for partition watermark changes
// and triggers refreshes when the remote copy moves ahead of the local one.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/factseeker/evidencecache/blobstore"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
	"github.com/factseeker/evidencecache/watchstate"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval between polling cycles.
const DefaultInterval = 5 * time.Minute

// checkConcurrency bounds parallel watermark checks within one cycle.
const checkConcurrency = 4

// Refresher replaces a partition's local copy with the remote snapshot.
// *prewarm.Refresher satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, id partition.ID) error
}

// Clock abstracts time for deterministic tests. Tick returns the ticker
// channel and a stop function that releases it.
type Clock interface {
	Now() time.Time
	Tick(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	// Interval between cycles. Defaults to DefaultInterval.
	Interval time.Duration

	// IncludeFixed10 adds partition_10 to the tracked set alongside the
	// current month.
	IncludeFixed10 bool

	// Discover lists the remote prefix each cycle and tracks every
	// partition found there, not just the current month.
	Discover bool

	// State persists last-seen watermarks across restarts. Optional; when
	// nil, watermarks live only in memory and every partition refreshes
	// once at startup.
	State watchstate.Store

	// Clock defaults to the wall clock.
	Clock Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher periodically compares remote partition watermarks against the
// last seen ones and refreshes partitions that changed. One check failing
// never blocks the rest of the cycle.
type Watcher struct {
	remote    blobstore.Store
	refresher Refresher

	interval  time.Duration
	includeFX bool
	discover  bool
	state     watchstate.Store
	clock     Clock
	logger    *slog.Logger

	mu       sync.Mutex
	seen     map[string]string // partition id -> last refreshed watermark
	inflight map[string]struct{}
	loaded   bool
}

// NewWatcher creates a Watcher.
func NewWatcher(remote blobstore.Store, refresher Refresher, opts WatcherOptions) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		remote:    remote,
		refresher: refresher,
		interval:  opts.Interval,
		includeFX: opts.IncludeFixed10,
		discover:  opts.Discover,
		state:     opts.State,
		clock:     opts.Clock,
		logger:    opts.Logger,
		seen:      map[string]string{},
		inflight:  map[string]struct{}{},
	}
}

// Run polls until ctx is cancelled. An immediate first cycle runs before
// the ticker starts.
func (w *Watcher) Run(ctx context.Context) error {
	w.Tick(ctx)

	ticks, stop := w.clock.Tick(w.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			w.Tick(ctx)
		}
	}
}

// Tick runs one polling cycle: resolve the tracked partition set, check
// each watermark, and refresh the changed ones. Exported so callers can
// drive cycles on their own schedule.
func (w *Watcher) Tick(ctx context.Context) {
	w.loadStateOnce(ctx)

	targets := w.targets(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for _, id := range targets {
		id := id
		g.Go(func() error {
			w.check(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// targets resolves the partition set for this cycle: the current month in
// publisher time, optionally the fixed bucket 10, plus anything discovered
// under the remote prefix.
func (w *Watcher) targets(ctx context.Context) []partition.ID {
	ids := map[partition.ID]struct{}{
		partition.MonthlyID(publisherNow(w.clock)): {},
	}
	if w.includeFX {
		ids[partition.FixedID(10)] = struct{}{}
	}

	if w.discover {
		keys, err := w.remote.List(ctx, partition.Prefix)
		if err != nil {
			w.logger.WarnContext(ctx, "partition discovery failed", "error", err)
		}
		for _, key := range keys {
			if path.Base(key) != indexpair.VectorsFile {
				continue
			}
			dir, _, ok := strings.Cut(key, "/")
			if !ok {
				continue
			}
			id, err := partition.ParseID(dir)
			if err != nil {
				continue
			}
			ids[id] = struct{}{}
		}
	}

	out := make([]partition.ID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// check compares one partition's remote watermark with the last seen one
// and refreshes on change. Stat failures are logged and skipped; a remote
// hiccup must not invalidate a serving partition.
func (w *Watcher) check(ctx context.Context, id partition.ID) {
	if !w.begin(id) {
		return // refresh from a previous cycle still running
	}
	defer w.end(id)

	info, err := w.remote.Stat(ctx, id.String()+"/"+indexpair.VectorsFile)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			w.logger.DebugContext(ctx, "partition not published yet",
				"partition", id.String(),
			)
			return
		}
		w.logger.WarnContext(ctx, "watermark check failed",
			"partition", id.String(),
			"error", err,
		)
		return
	}

	mark := info.Watermark()
	w.mu.Lock()
	last, known := w.seen[id.String()]
	w.mu.Unlock()
	if known && last == mark {
		return
	}

	if err := w.refresher.Refresh(ctx, id); err != nil {
		w.logger.WarnContext(ctx, "refresh after watermark change failed",
			"partition", id.String(),
			"error", err,
		)
		return
	}

	w.mu.Lock()
	w.seen[id.String()] = mark
	snapshot := make(map[string]string, len(w.seen))
	for k, v := range w.seen {
		snapshot[k] = v
	}
	w.mu.Unlock()

	w.saveState(ctx, snapshot)
}

func (w *Watcher) begin(id partition.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id.String()]; ok {
		return false
	}
	w.inflight[id.String()] = struct{}{}
	return true
}

func (w *Watcher) end(id partition.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id.String())
}

func (w *Watcher) loadStateOnce(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded || w.state == nil {
		w.loaded = true
		return
	}
	w.loaded = true

	marks, err := w.state.Load(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "loading watch state failed, starting fresh",
			"error", err,
		)
		return
	}
	for k, v := range marks {
		w.seen[k] = v
	}
}

func (w *Watcher) saveState(ctx context.Context, marks map[string]string) {
	if w.state == nil {
		return
	}
	if err := w.state.Save(ctx, marks); err != nil {
		w.logger.WarnContext(ctx, "saving watch state failed", "error", err)
	}
}

// publisherNow returns the current time in the publisher's zone, which
// determines which monthly partition is "current".
func publisherNow(clock Clock) time.Time {
	return PublisherTime(clock.Now())
}

// PublisherTime converts t to the index producer's zone (KST). The
// producer names monthly partitions by its own calendar, so "current
// month" must be computed in that zone regardless of where this process
// runs.
func PublisherTime(t time.Time) time.Time {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return t.In(loc)
}
