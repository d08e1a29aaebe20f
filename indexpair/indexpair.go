// Package indexpair implements the two-file unit that forms one atomic
// index snapshot: a metadata blob and a vector blob.
//
// The pair invariant is that a reader never observes the vectors blob
// without a matching metadata blob for the same snapshot. Locally this is
// enforced by publishing a fully written directory with a single rename;
// remotely by always writing meta before vectors.
package indexpair

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/factseeker/evidencecache/codec"
)

// ErrInconsistent is returned when a pair directory exists but one of the
// two files is missing, truncated or corrupt. Callers must treat the pair
// as absent and re-download it; it is never repaired in place.
var ErrInconsistent = errors.New("indexpair: inconsistent pair")

// Pair is a fully loaded, verified index snapshot.
type Pair struct {
	Meta    Meta
	Vectors [][]float32
}

// Dim returns the embedding dimension, or 0 for an empty pair.
func (p *Pair) Dim() int {
	if len(p.Vectors) == 0 {
		return 0
	}
	return len(p.Vectors[0])
}

// Load reads and verifies the pair stored in dir.
//
// A missing directory (or a directory with neither file) reports
// fs.ErrNotExist; a directory with exactly one file, a checksum failure, or
// a row-count mismatch between the two files reports ErrInconsistent.
func Load(dir string, c codec.Codec) (*Pair, error) {
	metaRaw, metaErr := os.ReadFile(filepath.Join(dir, MetaFile))
	vecRaw, vecErr := os.ReadFile(filepath.Join(dir, VectorsFile))

	metaMissing := errors.Is(metaErr, fs.ErrNotExist)
	vecMissing := errors.Is(vecErr, fs.ErrNotExist)

	switch {
	case metaMissing && vecMissing:
		return nil, fmt.Errorf("indexpair: %s: %w", dir, fs.ErrNotExist)
	case metaMissing || vecMissing:
		return nil, fmt.Errorf("%w: %s: one file missing", ErrInconsistent, dir)
	case metaErr != nil:
		return nil, fmt.Errorf("indexpair: read meta: %w", metaErr)
	case vecErr != nil:
		return nil, fmt.Errorf("indexpair: read vectors: %w", vecErr)
	}

	if len(metaRaw) == 0 || len(vecRaw) == 0 {
		return nil, fmt.Errorf("%w: %s: empty file", ErrInconsistent, dir)
	}

	meta, err := DecodeMeta(c, metaRaw)
	if err != nil {
		return nil, err
	}
	vecs, err := DecodeVectors(vecRaw)
	if err != nil {
		return nil, err
	}
	if len(meta.Entries) != len(vecs) {
		return nil, fmt.Errorf("%w: %s: %d entries, %d vectors", ErrInconsistent, dir, len(meta.Entries), len(vecs))
	}

	return &Pair{Meta: meta, Vectors: vecs}, nil
}

// Write encodes and publishes a pair to dir atomically.
func Write(dir string, c codec.Codec, meta Meta, vecs [][]float32) error {
	if len(meta.Entries) != len(vecs) {
		return fmt.Errorf("indexpair: %d entries, %d vectors", len(meta.Entries), len(vecs))
	}
	metaRaw, err := EncodeMeta(c, meta)
	if err != nil {
		return err
	}
	vecRaw, err := EncodeVectors(vecs)
	if err != nil {
		return err
	}
	return WriteRaw(dir, metaRaw, vecRaw)
}

// WriteRaw publishes already-encoded pair blobs to dir atomically: both
// files are written and synced in a temporary directory next to dir, then
// the directory is renamed into place. dir must not exist; callers remove
// any prior copy first (a failed removal must abort the refresh).
func WriteRaw(dir string, metaRaw, vecRaw []byte) error {
	if len(metaRaw) == 0 || len(vecRaw) == 0 {
		return fmt.Errorf("indexpair: refusing to publish empty blob to %s", dir)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("indexpair: create parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("indexpair: create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	// Meta first, matching the remote write protocol.
	if err := writeFileSync(filepath.Join(tmp, MetaFile), metaRaw); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(tmp, VectorsFile), vecRaw); err != nil {
		return err
	}

	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("indexpair: publish %s: %w", dir, err)
	}

	// Best-effort: fsync the parent so the rename survives a crash.
	if d, err := os.Open(parent); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("indexpair: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("indexpair: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("indexpair: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("indexpair: close %s: %w", path, err)
	}
	return nil
}
