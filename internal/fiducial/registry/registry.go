// Package registry keeps the smoothed world pose of every marker seen so
// far, keyed by marker id.
package registry

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
)

// DefaultHistoryCapacity is the number of recent samples averaged per marker.
const DefaultHistoryCapacity = 10

// Entry is the registry's record for one marker.
type Entry struct {
	ID              int
	WorldPose       geom.Pose
	FirstSeenTick   uint64
	LastUpdatedTick uint64
	Observations    int
	// LowConfidence is set when the latest sample was computed without a
	// frame-to-world transform.
	LowConfidence bool
	// Samples holds the most recent observations, oldest first.
	Samples []geom.Pose
}

func (e Entry) clone() Entry {
	e.Samples = slices.Clone(e.Samples)
	return e
}

// Config holds registry settings.
type Config struct {
	HistoryCapacity int
}

// DefaultConfig returns the default registry settings.
func DefaultConfig() Config {
	return Config{HistoryCapacity: DefaultHistoryCapacity}
}

// Registry is safe for one writer and many concurrent readers.
type Registry struct {
	mu       sync.RWMutex
	entries  map[int]*Entry
	capacity int
	version  uint64
}

// New returns an empty registry. A non-positive capacity uses the default.
func New(cfg Config) *Registry {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	return &Registry{
		entries:  make(map[int]*Entry),
		capacity: cfg.HistoryCapacity,
	}
}

// Capacity returns the per-marker history length.
func (r *Registry) Capacity() int { return r.capacity }

// Upsert records a world-space observation of marker id at tick.
func (r *Registry) Upsert(id int, pose geom.Pose, tick uint64) error {
	return r.UpsertObservation(id, pose, tick, false)
}

// UpsertObservation is Upsert with the sample's confidence grade.
//
// The stored position is the mean of the retained samples. The stored
// rotation moves toward each new sample by 1/n of the arc, n being the
// number of retained samples, so it stays O(1) per update.
func (r *Registry) UpsertObservation(id int, pose geom.Pose, tick uint64, lowConfidence bool) error {
	if err := geom.RequireSpace(pose, geom.SpaceWorld); err != nil {
		return fmt.Errorf("upsert marker %d: %w", id, err)
	}
	pose.Rotation = pose.Rotation.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++

	e, ok := r.entries[id]
	if !ok {
		r.entries[id] = &Entry{
			ID:              id,
			WorldPose:       pose,
			FirstSeenTick:   tick,
			LastUpdatedTick: tick,
			Observations:    1,
			LowConfidence:   lowConfidence,
			Samples:         append(make([]geom.Pose, 0, r.capacity), pose),
		}
		return nil
	}

	if len(e.Samples) == r.capacity {
		copy(e.Samples, e.Samples[1:])
		e.Samples = e.Samples[:r.capacity-1]
	}
	e.Samples = append(e.Samples, pose)

	var sum mgl64.Vec3
	for _, s := range e.Samples {
		sum = sum.Add(s.Position)
	}
	n := float64(len(e.Samples))
	e.WorldPose.Position = sum.Mul(1 / n)
	e.WorldPose.Rotation = geom.Slerp(e.WorldPose.Rotation, pose.Rotation, 1/n)
	e.LastUpdatedTick = tick
	e.Observations++
	e.LowConfidence = lowConfidence
	return nil
}

// EvictStale removes every entry last updated more than maxAge ticks before
// now and returns the removed ids in ascending order.
func (r *Registry) EvictStale(now, maxAge uint64) []int {
	if now < maxAge {
		return nil
	}
	cutoff := now - maxAge

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []int
	for id, e := range r.entries {
		if e.LastUpdatedTick < cutoff {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		r.version++
		slices.Sort(evicted)
	}
	return evicted
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Len returns the number of tracked markers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset drops every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.version++
}

// Snapshot copies the registry. Later updates do not affect it.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e.clone())
	}
	slices.SortFunc(entries, func(a, b Entry) int { return a.ID - b.ID })
	return Snapshot{entries: entries, Version: r.version}
}

// Snapshot is an immutable, id-ordered view of the registry.
type Snapshot struct {
	entries []Entry
	// Version increases with every mutation of the source registry.
	Version uint64
}

// All yields every entry in id order. It may be ranged over any number of
// times.
func (s Snapshot) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range s.entries {
			if !yield(e.clone()) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (s Snapshot) Len() int { return len(s.entries) }

// Get returns the entry for id.
func (s Snapshot) Get(id int) (Entry, bool) {
	i, ok := slices.BinarySearchFunc(s.entries, id, func(e Entry, id int) int { return e.ID - id })
	if !ok {
		return Entry{}, false
	}
	return s.entries[i].clone(), true
}
