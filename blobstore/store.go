// Package blobstore abstracts the remote object store that holds the
// authoritative copies of index partitions.
//
// Implementations exist for AWS S3 (blobstore/s3), MinIO (blobstore/minio)
// and an in-memory store used in tests.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations must return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("blobstore: object not found")

// ObjectInfo describes a remote object without fetching its content.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Watermark derives the change-detection token for the object.
// It is compared as an opaque string and carries no ordering semantics.
func (i ObjectInfo) Watermark() string {
	return fmt.Sprintf("%s_%d", i.ETag, i.LastModified.Unix())
}

// Store is an abstraction for accessing remote data blobs.
//
// Index blobs are small enough (metadata plus packed float32 vectors) that
// whole-object Get/Put is the right granularity; there is no range-read
// surface.
type Store interface {
	// Stat returns metadata for an object without fetching its content.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Get fetches the full content of an object.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the full content of an object.
	//
	// Callers publishing an index pair must put the metadata blob before
	// the vectors blob: readers treat the vectors blob's existence as the
	// readiness signal for the whole pair.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes every object under the given key prefix.
	Delete(ctx context.Context, prefix string) error

	// List returns the keys of all objects under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
