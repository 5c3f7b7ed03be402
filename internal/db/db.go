// Package db holds the in-memory index of builds maintained from the
// Kubernetes watch stream. The watch stream is the sole source of truth: the
// index is rebuilt from scratch every time the deployment watcher (re)starts,
// and counts are always computed from the live contents, never cached.
package db

import (
	"sort"
	"sync"

	"github.com/cetmix/runboat/internal/models"
)

type entry struct {
	build models.Build
	seq   uint64 // arrival order within the current watch session
}

// BuildsDb indexes builds by name. It is safe for concurrent use: the
// watchers mutate it while the schedulers and the HTTP API read it.
type BuildsDb struct {
	mu      sync.RWMutex
	builds  map[string]*entry
	nextSeq uint64
}

func New() *BuildsDb {
	return &BuildsDb{builds: make(map[string]*entry)}
}

// Reset empties the database. Called at the start of each deployment watch
// session so that stale state from a broken watch cannot survive.
func (d *BuildsDb) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builds = make(map[string]*entry)
	d.nextSeq = 0
}

// Add inserts or replaces a build by name. A replaced build keeps its
// arrival position.
func (d *BuildsDb) Add(b models.Build) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.builds[b.Name]; ok {
		e.build = b
		return
	}
	d.nextSeq++
	d.builds[b.Name] = &entry{build: b, seq: d.nextSeq}
}

func (d *BuildsDb) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.builds, name)
}

// Get returns a copy of the build with the given name.
func (d *BuildsDb) Get(name string) (models.Build, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.builds[name]
	if !ok {
		return models.Build{}, false
	}
	return e.build, true
}

// GetForCommit returns the build matching the exact commit identity.
func (d *BuildsDb) GetForCommit(spec models.BuildSpec) (models.Build, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.builds {
		if e.build.Spec == spec {
			return e.build, true
		}
	}
	return models.Build{}, false
}

// Update applies fn to the build with the given name, under the write lock.
// It reports whether the build existed.
func (d *BuildsDb) Update(name string, fn func(*models.Build)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.builds[name]
	if !ok {
		return false
	}
	fn(&e.build)
	return true
}

func (d *BuildsDb) CountByStatus(status models.BuildStatus) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.countByStatusLocked(status)
}

func (d *BuildsDb) CountByInitStatus(status models.BuildInitStatus) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.countByInitStatusLocked(status)
}

func (d *BuildsDb) countByStatusLocked(status models.BuildStatus) int {
	n := 0
	for _, e := range d.builds {
		if e.build.Status == status {
			n++
		}
	}
	return n
}

func (d *BuildsDb) countByInitStatusLocked(status models.BuildInitStatus) int {
	n := 0
	for _, e := range d.builds {
		if e.build.InitStatus == status {
			n++
		}
	}
	return n
}

func (d *BuildsDb) CountAll() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.builds)
}

// ToInitialize returns at most limit builds awaiting initialization, in
// arrival order, so that initialization is first come first served.
func (d *BuildsDb) ToInitialize(limit int) []models.Build {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selectLocked(limit, awaitingInit, byArrival)
}

// OldestStarted returns at most limit started builds, oldest first, so that
// stopping evicts the least recently started builds.
func (d *BuildsDb) OldestStarted(limit int) []models.Build {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selectLocked(limit, isStarted, byLastScaled)
}

// OldestStopped returns at most limit stopped builds, oldest first.
func (d *BuildsDb) OldestStopped(limit int) []models.Build {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selectLocked(limit, isStopped, byLastScaled)
}

// The schedulers pair a capacity count with a bounded selection. A watcher
// mutation landing between the two would let a scheduler act on a capacity
// derived from a state it no longer selects from, so these combined queries
// hold the lock across both and return the count they observed.

// ToInitializeWithin returns builds awaiting initialization, in arrival
// order, up to the capacity left under maxInitializing, together with the
// number of builds currently initializing.
func (d *BuildsDb) ToInitializeWithin(maxInitializing int) ([]models.Build, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	initializing := d.countByInitStatusLocked(models.InitStatusStarted)
	return d.selectLocked(maxInitializing-initializing, awaitingInit, byArrival), initializing
}

// OldestStartedOver returns the oldest started builds in excess of
// maxStarted, together with the number of started builds.
func (d *BuildsDb) OldestStartedOver(maxStarted int) ([]models.Build, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	started := d.countByStatusLocked(models.BuildStatusStarted)
	return d.selectLocked(started-maxStarted, isStarted, byLastScaled), started
}

// OldestStoppedOver returns the oldest stopped builds in excess of
// maxDeployed total builds, together with the total build count.
func (d *BuildsDb) OldestStoppedOver(maxDeployed int) ([]models.Build, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	deployed := len(d.builds)
	return d.selectLocked(deployed-maxDeployed, isStopped, byLastScaled), deployed
}

// All returns every build sorted by name, for reporting.
func (d *BuildsDb) All() []models.Build {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Build, 0, len(d.builds))
	for _, e := range d.builds {
		out = append(out, e.build)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func awaitingInit(b models.Build) bool { return b.InitStatus == models.InitStatusTodo }
func isStarted(b models.Build) bool    { return b.Status == models.BuildStatusStarted }
func isStopped(b models.Build) bool    { return b.Status == models.BuildStatusStopped }

// byArrival orders entries first come first served.
func byArrival(a, b *entry) bool { return a.seq < b.seq }

// byLastScaled orders entries by last transition time, with a stable name
// tie-break so that eviction is deterministic for a fixed snapshot.
func byLastScaled(a, b *entry) bool {
	if !a.build.LastScaledAt.Equal(b.build.LastScaledAt) {
		return a.build.LastScaledAt.Before(b.build.LastScaledAt)
	}
	return a.build.Name < b.build.Name
}

// selectLocked assumes the caller holds at least the read lock.
func (d *BuildsDb) selectLocked(limit int, match func(models.Build) bool, less func(a, b *entry) bool) []models.Build {
	if limit <= 0 {
		return nil
	}
	candidates := make([]*entry, 0, len(d.builds))
	for _, e := range d.builds {
		if match(e.build) {
			candidates = append(candidates, &entry{build: e.build, seq: e.seq})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.Build, len(candidates))
	for i, e := range candidates {
		out[i] = e.build
	}
	return out
}
