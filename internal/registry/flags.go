package registry

import (
	"sync"
	"sync/atomic"
	"time"

	ometrics "github.com/memoryd/memoryd/internal/metrics"
)

// IndexState describes the persona vector index relative to the
// authoritative relational store.
type IndexState string

const (
	StateClean      IndexState = "clean"
	StateDirty      IndexState = "dirty"
	StateRebuilding IndexState = "rebuilding"
)

// Flags tracks the per-persona index state machine. Writes mark the index
// dirty; the rebuild worker snapshots the store, rebuilds, and clears the
// flag. A write landing mid-rebuild re-dirties the persona so the worker
// converges on a subsequent pass.
type Flags struct {
	dirty       atomic.Bool
	rebuilding  atomic.Bool
	lastWrite   atomic.Int64 // unix nanos, 0 = never
	lastRebuild atomic.Int64

	// RebuildMu serialises rebuilds for this persona. Manual rebuild
	// requests and the background worker both take it.
	RebuildMu sync.Mutex
}

// MarkWrite records a mutation of the relational store.
func (f *Flags) MarkWrite(at time.Time) {
	f.lastWrite.Store(at.UnixNano())
	if !f.dirty.Swap(true) {
		ometrics.DirtyPersonas.Inc()
	}
}

// Dirty reports whether the index lags the store.
func (f *Flags) Dirty() bool { return f.dirty.Load() }

// BeginRebuild transitions to rebuilding and clears the dirty flag so that
// concurrent writes are detected. Returns false if a rebuild is already in
// flight.
func (f *Flags) BeginRebuild() bool {
	if !f.rebuilding.CompareAndSwap(false, true) {
		return false
	}
	if f.dirty.Swap(false) {
		ometrics.DirtyPersonas.Dec()
	}
	return true
}

// FinishRebuild leaves the rebuilding state. On failure the persona is
// re-marked dirty so the worker retries.
func (f *Flags) FinishRebuild(success bool, at time.Time) {
	if success {
		f.lastRebuild.Store(at.UnixNano())
	} else if !f.dirty.Swap(true) {
		ometrics.DirtyPersonas.Inc()
	}
	f.rebuilding.Store(false)
}

// State derives the current state machine position.
func (f *Flags) State() IndexState {
	if f.rebuilding.Load() {
		return StateRebuilding
	}
	if f.dirty.Load() {
		return StateDirty
	}
	return StateClean
}

func nanoTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// LastWrite returns the time of the most recent store mutation, zero if none.
func (f *Flags) LastWrite() time.Time { return nanoTime(f.lastWrite.Load()) }

// LastRebuild returns the completion time of the last successful rebuild.
func (f *Flags) LastRebuild() time.Time { return nanoTime(f.lastRebuild.Load()) }
