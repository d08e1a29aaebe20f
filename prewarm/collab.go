// Package prewarm keeps local partitions and their per-article sub-caches
// materialized: it refreshes whole partitions from the object store and
// builds missing sub-caches with bounded concurrency.
package prewarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"path/filepath"

	"github.com/factseeker/evidencecache/partition"
)

// Crawler fetches the raw text of an article. External collaborator.
type Crawler interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Embedder turns texts into vectors. External collaborator.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Collaborator failure sentinels. Implementations should wrap these so
// callers can classify failures without knowing the transport.
var (
	ErrFetchTimeout  = errors.New("prewarm: fetch timed out")
	ErrFetchNotFound = errors.New("prewarm: document not found")
	ErrFetchBlocked  = errors.New("prewarm: fetch blocked by origin")

	ErrEmbedRateLimited  = errors.New("prewarm: embedding rate limited")
	ErrEmbedInvalidInput = errors.New("prewarm: embedding input rejected")
)

// articlesDir is the sub-cache namespace nested under each partition.
const articlesDir = "articles"

// SubCacheKey derives the content-addressed key for a source URL.
// Stable across runs and hosts.
func SubCacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func partitionDir(cacheDir string, id partition.ID) string {
	return filepath.Join(cacheDir, id.String())
}

func subCacheDir(cacheDir string, id partition.ID, url string) string {
	return filepath.Join(cacheDir, id.String(), articlesDir, SubCacheKey(url))
}

func remoteKey(id partition.ID, file string) string {
	return path.Join(id.String(), file)
}

func remoteSubCacheKey(id partition.ID, url, file string) string {
	return path.Join(id.String(), articlesDir, SubCacheKey(url), file)
}
