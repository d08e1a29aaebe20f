// Package watchstate persists the watcher's last-observed remote
// watermarks so a restart does not re-download unchanged partitions.
package watchstate

import "context"

// Store persists the partition-to-watermark map between runs.
type Store interface {
	// Load returns the persisted watermarks. A store with no prior state
	// returns an empty map, not an error.
	Load(ctx context.Context) (map[string]string, error)

	// Save replaces the persisted watermarks.
	Save(ctx context.Context, watermarks map[string]string) error
}
