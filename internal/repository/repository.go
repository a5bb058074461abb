// Package repository provides the time-indexed store of local and remote
// observation snapshots that the integrity checks evaluate against.
package repository

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// ErrEpochTooOld is returned when a full repository is given an epoch older
// than every epoch it keeps.
var ErrEpochTooOld = errors.New("epoch older than retained history")

// RemoteEntry is what one remote node reported for an epoch.
type RemoteEntry struct {
	Observables *models.GNSSObservables
	Range       *models.MeasuredRange
}

// ObservablesOrEmpty returns the node's observables, or an empty snapshot
// when none were reported.
func (r RemoteEntry) ObservablesOrEmpty() models.GNSSObservables {
	if r.Observables == nil {
		return models.GNSSObservables{}
	}
	return *r.Observables
}

// RangeOrInvalid returns the node's measured range, or an invalid range when
// none was reported.
func (r RemoteEntry) RangeOrInvalid() models.MeasuredRange {
	if r.Range == nil {
		return models.MeasuredRange{}
	}
	return *r.Range
}

// Entry is the data stored for one epoch.
type Entry struct {
	Epoch  float64
	Local  *models.GNSSObservables
	Remote map[string]RemoteEntry
}

// Repository holds the most recent maxEntries epochs. It is safe for
// concurrent use.
type Repository struct {
	mu         sync.RWMutex
	entries    map[float64]*Entry
	maxEntries int
}

// New creates a repository that keeps at most maxEntries epochs.
func New(maxEntries int) *Repository {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Repository{
		entries:    make(map[float64]*Entry),
		maxEntries: maxEntries,
	}
}

// EpochKey rounds a time to the whole second used as the repository key.
func EpochKey(t float64) float64 {
	return math.Round(t)
}

// getOrCreate returns the entry for epoch. When the repository is full, an
// epoch older than every kept one is not stored and ErrEpochTooOld is returned.
func (r *Repository) getOrCreate(epoch float64) (*Entry, error) {
	key := EpochKey(epoch)
	if e, ok := r.entries[key]; ok {
		return e, nil
	}
	if len(r.entries) >= r.maxEntries && key < r.oldestLocked() {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochTooOld, int64(key))
	}
	e := &Entry{Epoch: key, Remote: make(map[string]RemoteEntry)}
	r.entries[key] = e
	r.evict()
	return e, nil
}

func (r *Repository) oldestLocked() float64 {
	oldest := math.Inf(1)
	for k := range r.entries {
		oldest = math.Min(oldest, k)
	}
	return oldest
}

func (r *Repository) evict() {
	if len(r.entries) <= r.maxEntries {
		return
	}
	keys := make([]float64, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	for _, k := range keys[:len(keys)-r.maxEntries] {
		delete(r.entries, k)
	}
}

func copyObservables(obs models.GNSSObservables) *models.GNSSObservables {
	cp := obs
	cp.Observables = make(map[int]models.Observable, len(obs.Observables))
	for prn, o := range obs.Observables {
		cp.Observables[prn] = o
	}
	return &cp
}

// AddLocalObservables stores the local receiver's snapshot for epoch.
func (r *Repository) AddLocalObservables(epoch float64, obs models.GNSSObservables) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.getOrCreate(epoch)
	if err != nil {
		return err
	}
	e.Local = copyObservables(obs)
	return nil
}

// AddRemoteObservables stores a remote node's snapshot for epoch.
func (r *Repository) AddRemoteObservables(epoch float64, nodeID string, obs models.GNSSObservables) error {
	if nodeID == "" {
		return fmt.Errorf("remote node ID must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.getOrCreate(epoch)
	if err != nil {
		return err
	}
	re := e.Remote[nodeID]
	re.Observables = copyObservables(obs)
	e.Remote[nodeID] = re
	return nil
}

// AddRemoteRange stores the measured range to a remote node for epoch.
func (r *Repository) AddRemoteRange(epoch float64, nodeID string, rng models.MeasuredRange) error {
	if nodeID == "" {
		return fmt.Errorf("remote node ID must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.getOrCreate(epoch)
	if err != nil {
		return err
	}
	re := e.Remote[nodeID]
	re.Range = &rng
	e.Remote[nodeID] = re
	return nil
}

// GetEntry returns the data for the epoch containing t. The returned entry
// shares snapshot pointers with the repository; snapshots are never mutated
// after insertion, so callers may read them freely but must not modify them.
func (r *Repository) GetEntry(t float64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[EpochKey(t)]
	if !ok {
		return Entry{}, false
	}
	out := Entry{Epoch: e.Epoch, Local: e.Local, Remote: make(map[string]RemoteEntry, len(e.Remote))}
	for id, re := range e.Remote {
		out.Remote[id] = re
	}
	return out, true
}

// Len returns the number of stored epochs.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
