// Package scanner searches cached partitions newest-first for evidence
// supporting a claim, stopping early once enough validated evidence has
// been collected.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/indexpair"
	"github.com/factseeker/evidencecache/partition"
)

const (
	// DefaultTopK is how many title-index matches are considered per
	// partition before validation.
	DefaultTopK = 3

	// DefaultMaxDistance is the squared L2 cutoff above which a match is
	// discarded as irrelevant.
	DefaultMaxDistance = 0.8

	// DefaultStopHits ends the scan once a single partition yielded this
	// many validated hits on its own.
	DefaultStopHits = 1

	// DefaultMaxEvidences caps validated evidence across all partitions.
	DefaultMaxEvidences = 10
)

// Embedder turns a claim into a query vector. External collaborator.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Validator judges whether a passage actually supports the claim.
// External collaborator; typically an LLM or NLI model behind an API.
type Validator interface {
	Validate(ctx context.Context, claim, passage string) (score float64, ok bool, err error)
}

// SubCacheLoader returns the chunk-level sub-cache for a URL, building it
// on demand. *prewarm.Reconciler satisfies it.
type SubCacheLoader interface {
	EnsureSubCache(ctx context.Context, id partition.ID, url string) (*indexpair.Pair, error)
}

// Claim is one statement to find evidence for.
type Claim struct {
	ID   string
	Text string
}

// EvidenceRecord is one validated passage supporting a claim.
type EvidenceRecord struct {
	ClaimID   string
	SourceURL string
	Partition partition.ID
	Passage   string
	Distance  float32
	Score     float64
}

// ScannerOptions configure a Scanner.
type ScannerOptions struct {
	// Codec for metadata blobs. Defaults to codec.Default.
	Codec codec.Codec

	// TopK title matches inspected per partition. Defaults to DefaultTopK.
	TopK int

	// MaxDistance discards title matches beyond this squared L2 distance.
	// Defaults to DefaultMaxDistance.
	MaxDistance float32

	// StopHits ends the scan once one partition yielded this many
	// validated hits. A large value disables the short-circuit.
	// Defaults to DefaultStopHits.
	StopHits int

	// MaxEvidences caps evidence across all partitions.
	// Defaults to DefaultMaxEvidences.
	MaxEvidences int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Scanner walks Ready and Stale partitions newest-first, matching the
// claim against each partition's title index, drilling into per-article
// sub-caches, and validating candidate passages.
type Scanner struct {
	registry *partition.Registry
	embedder Embedder
	verifier Validator
	loader   SubCacheLoader

	codec        codec.Codec
	topK         int
	maxDistance  float32
	stopHits     int
	maxEvidences int
	logger       *slog.Logger
}

// NewScanner creates a Scanner over the given registry.
func NewScanner(registry *partition.Registry, embedder Embedder, verifier Validator, loader SubCacheLoader, opts ScannerOptions) *Scanner {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultMaxDistance
	}
	if opts.StopHits <= 0 {
		opts.StopHits = DefaultStopHits
	}
	if opts.MaxEvidences <= 0 {
		opts.MaxEvidences = DefaultMaxEvidences
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scanner{
		registry:     registry,
		embedder:     embedder,
		verifier:     verifier,
		loader:       loader,
		codec:        opts.Codec,
		topK:         opts.TopK,
		maxDistance:  opts.MaxDistance,
		stopHits:     opts.StopHits,
		maxEvidences: opts.MaxEvidences,
		logger:       opts.Logger,
	}
}

// Scan collects validated evidence for the claim, newest partitions
// first. A partition that fails to load or search is logged and skipped;
// the scan moves on to older partitions. Each source URL contributes at
// most once per scan.
func (s *Scanner) Scan(ctx context.Context, claim Claim) ([]EvidenceRecord, error) {
	if claim.Text == "" {
		return nil, errors.New("scanner: empty claim")
	}

	queries, err := s.embedder.Embed(ctx, []string{claim.Text})
	if err != nil {
		return nil, fmt.Errorf("scanner: embed claim: %w", err)
	}
	if len(queries) != 1 {
		return nil, fmt.Errorf("scanner: embed claim: got %d vectors, want 1", len(queries))
	}
	query := queries[0]

	var (
		records []EvidenceRecord
		seen    = map[string]struct{}{}
	)

	for _, snap := range s.registry.List() {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		if len(records) >= s.maxEvidences {
			break
		}

		hits, err := s.scanPartition(ctx, snap, claim, query, seen, s.maxEvidences-len(records))
		if err != nil {
			// The partition may have been deleted or replaced mid-scan.
			// Older partitions can still yield evidence.
			s.logger.WarnContext(ctx, "partition skipped during scan",
				"partition", snap.ID.String(),
				"error", err,
			)
			continue
		}
		records = append(records, hits...)

		// A partition rich enough on its own ends the scan: prefer fresh
		// evidence, fall back to older partitions only when it is thin.
		if len(hits) >= s.stopHits {
			break
		}
	}

	s.logger.InfoContext(ctx, "scan finished",
		"claim", claim.ID,
		"evidences", len(records),
	)
	return records, nil
}

func (s *Scanner) scanPartition(ctx context.Context, snap partition.Snapshot, claim Claim, query []float32, seen map[string]struct{}, budget int) ([]EvidenceRecord, error) {
	pair, err := indexpair.Load(snap.LocalPath, s.codec)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scanner: partition vanished: %w", err)
		}
		return nil, err
	}

	matches, err := pair.Search(query, s.topK, s.maxDistance)
	if err != nil {
		return nil, err
	}

	var records []EvidenceRecord
	for _, m := range matches {
		if len(records) >= budget {
			break
		}
		url := m.Entry.URL
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}

		rec, ok, err := s.inspect(ctx, snap.ID, claim, query, url, m.Distance)
		if err != nil {
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			s.logger.WarnContext(ctx, "candidate inspection failed",
				"partition", snap.ID.String(),
				"url", url,
				"error", err,
			)
			continue
		}
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// inspect drills into the URL's sub-cache, picks its best-matching chunk,
// and asks the validator whether that chunk supports the claim.
func (s *Scanner) inspect(ctx context.Context, id partition.ID, claim Claim, query []float32, url string, titleDistance float32) (EvidenceRecord, bool, error) {
	sub, err := s.loader.EnsureSubCache(ctx, id, url)
	if err != nil {
		return EvidenceRecord{}, false, err
	}

	chunks, err := sub.Search(query, 1, s.maxDistance)
	if err != nil {
		return EvidenceRecord{}, false, err
	}
	if len(chunks) == 0 {
		return EvidenceRecord{}, false, nil
	}
	best := chunks[0]

	score, ok, err := s.verifier.Validate(ctx, claim.Text, best.Entry.Text)
	if err != nil {
		return EvidenceRecord{}, false, err
	}
	if !ok {
		return EvidenceRecord{}, false, nil
	}

	return EvidenceRecord{
		ClaimID:   claim.ID,
		SourceURL: url,
		Partition: id,
		Passage:   best.Entry.Text,
		Distance:  titleDistance,
		Score:     score,
	}, true, nil
}
