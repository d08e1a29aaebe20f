package partition

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a partition is not present in the registry.
var ErrNotFound = errors.New("partition: not found")

// State describes the lifecycle of a locally materialized partition.
type State int

const (
	// Absent means no valid local copy exists.
	Absent State = iota
	// Downloading means a refresh is in flight; the partition is
	// invisible to readers until it republishes.
	Downloading
	// Ready means a complete, verified local copy is being served.
	Ready
	// Stale means the remote watermark moved; the local copy is still
	// valid but a refresh is pending.
	Stale
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Downloading:
		return "downloading"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Snapshot is the registry's view of one partition.
type Snapshot struct {
	ID        ID
	LocalPath string
	Watermark string
	State     State
}

// Registry is the directory of known local partitions.
//
// It is the single shared mutable structure in the system: all partition
// state transitions go through it, and the Downloading state doubles as the
// per-ID refresh lock (BeginRefresh/EndRefresh/AbortRefresh).
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]*entry
	seq     int
}

type entry struct {
	snap Snapshot
	seq  int // insertion order, used as the sort tie-breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ID]*entry)}
}

// Get returns the current snapshot for id.
func (r *Registry) Get(id ID) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return e.snap, nil
}

// Upsert inserts or replaces the snapshot for snap.ID.
func (r *Registry) Upsert(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(snap)
}

func (r *Registry) upsertLocked(snap Snapshot) {
	if e, ok := r.entries[snap.ID]; ok {
		e.snap = snap
		return
	}
	r.seq++
	r.entries[snap.ID] = &entry{snap: snap, seq: r.seq}
}

// MarkStale records that the remote watermark moved for id.
// Marking an unknown partition is an error; marking a partition that is
// already refreshing is a no-op (the refresh will pick up the new state).
func (r *Registry) MarkStale(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.snap.State == Downloading {
		return nil
	}
	e.snap.State = Stale
	return nil
}

// Remove deletes the partition from the registry.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns snapshots of all Ready partitions in descending recency
// order. Partitions mid-refresh (Downloading) are never returned; Stale
// partitions are still served until their refresh republishes.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ordered struct {
		snap Snapshot
		seq  int
	}
	out := make([]ordered, 0, len(r.entries))
	for _, e := range r.entries {
		if e.snap.State == Ready || e.snap.State == Stale {
			out = append(out, ordered{snap: e.snap, seq: e.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].snap.ID.SortKey(), out[j].snap.ID.SortKey()
		if ki != kj {
			return ki > kj
		}
		return out[i].seq < out[j].seq
	})

	snaps := make([]Snapshot, len(out))
	for i, o := range out {
		snaps[i] = o.snap
	}
	return snaps
}

// BeginRefresh transitions id into the Downloading state and returns the
// prior snapshot for restoration on failure. It returns ok=false when a
// refresh for id is already in flight; callers must then not touch the
// partition. An unknown id is created in Absent state first, so a refresh
// can materialize a brand-new partition.
func (r *Registry) BeginRefresh(id ID) (prev Snapshot, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		r.upsertLocked(Snapshot{ID: id, State: Absent})
		e = r.entries[id]
	}
	if e.snap.State == Downloading {
		return Snapshot{}, false
	}
	prev = e.snap
	e.snap.State = Downloading
	return prev, true
}

// EndRefresh publishes the refreshed snapshot for snap.ID.
func (r *Registry) EndRefresh(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(snap)
}

// AbortRefresh restores the pre-refresh snapshot after a failed refresh.
func (r *Registry) AbortRefresh(prev Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(prev)
}
