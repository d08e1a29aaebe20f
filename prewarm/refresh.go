package prewarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/factseeker/evidencecache/blobstore"
	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
)

// ErrRefreshInFlight is returned when a refresh for the same partition is
// already running. Callers treat it as a no-op, not a failure.
var ErrRefreshInFlight = errors.New("prewarm: refresh already in flight")

// DefaultRefreshTimeout bounds the network phase of a single refresh.
const DefaultRefreshTimeout = 2 * time.Minute

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	// Codec decodes metadata blobs. Defaults to codec.Default.
	Codec codec.Codec

	// Timeout bounds one refresh end to end. Defaults to
	// DefaultRefreshTimeout.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Refresher replaces a partition's local copy with the current remote
// snapshot. Refreshes for the same partition are mutually exclusive; the
// partition is invisible to readers from BeginRefresh until the rename
// publishes the new copy.
type Refresher struct {
	remote   blobstore.Store
	registry *partition.Registry
	cacheDir string
	codec    codec.Codec
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher serving the given local cache directory.
func NewRefresher(remote blobstore.Store, registry *partition.Registry, cacheDir string, opts RefresherOptions) *Refresher {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRefreshTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Refresher{
		remote:   remote,
		registry: registry,
		cacheDir: cacheDir,
		codec:    opts.Codec,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
}

// Refresh downloads and atomically publishes the partition's current
// remote snapshot. Any failure before the publish leaves the registry in
// its prior state; the next watcher tick retries.
func (r *Refresher) Refresh(ctx context.Context, id partition.ID) error {
	prev, ok := r.registry.BeginRefresh(id)
	if !ok {
		return ErrRefreshInFlight
	}

	snap, prevGone, err := r.refresh(ctx, id)
	if err != nil {
		if prevGone {
			// The stale copy was already deleted; the prior Ready
			// snapshot no longer describes anything on disk.
			prev = partition.Snapshot{ID: id, State: partition.Absent}
		}
		r.registry.AbortRefresh(prev)
		r.logger.ErrorContext(ctx, "partition refresh failed",
			"partition", id.String(),
			"error", err,
		)
		return err
	}

	r.registry.EndRefresh(snap)
	r.logger.InfoContext(ctx, "partition refreshed",
		"partition", id.String(),
		"watermark", snap.Watermark,
	)
	return nil
}

func (r *Refresher) refresh(ctx context.Context, id partition.ID) (_ partition.Snapshot, prevGone bool, _ error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The vectors blob is the remote readiness signal: producers write
	// meta first, so a visible vectors blob implies a complete pair.
	info, err := r.remote.Stat(ctx, remoteKey(id, indexpair.VectorsFile))
	if err != nil {
		return partition.Snapshot{}, false, fmt.Errorf("prewarm: stat %s: %w", id, err)
	}

	metaRaw, err := r.remote.Get(ctx, remoteKey(id, indexpair.MetaFile))
	if err != nil {
		return partition.Snapshot{}, false, fmt.Errorf("prewarm: download meta for %s: %w", id, err)
	}
	vecRaw, err := r.remote.Get(ctx, remoteKey(id, indexpair.VectorsFile))
	if err != nil {
		return partition.Snapshot{}, false, fmt.Errorf("prewarm: download vectors for %s: %w", id, err)
	}

	// Verify before touching the local copy: a refresh must never trade
	// a valid local snapshot for a corrupt remote one.
	meta, err := indexpair.DecodeMeta(r.codec, metaRaw)
	if err != nil {
		return partition.Snapshot{}, false, fmt.Errorf("prewarm: verify %s: %w", id, err)
	}
	vecs, err := indexpair.DecodeVectors(vecRaw)
	if err != nil {
		return partition.Snapshot{}, false, fmt.Errorf("prewarm: verify %s: %w", id, err)
	}
	if len(meta.Entries) != len(vecs) {
		return partition.Snapshot{}, false, fmt.Errorf("%w: %s: %d entries, %d vectors", indexpair.ErrInconsistent, id, len(meta.Entries), len(vecs))
	}

	// Delete-then-publish. A failed delete aborts the refresh: serving a
	// half-deleted partition is worse than serving the stale one.
	dir := partitionDir(r.cacheDir, id)
	if err := os.RemoveAll(dir); err != nil {
		return partition.Snapshot{}, false, fmt.Errorf("prewarm: remove stale copy of %s: %w", id, err)
	}
	if err := indexpair.WriteRaw(dir, metaRaw, vecRaw); err != nil {
		return partition.Snapshot{}, true, err
	}

	return partition.Snapshot{
		ID:        id,
		LocalPath: dir,
		Watermark: info.Watermark(),
		State:     partition.Ready,
	}, false, nil
}
