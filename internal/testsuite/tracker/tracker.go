// Package tracker implements the in-memory ledger that matches asynchronous
// confirmations back to dispatched work items.
//
// The ledger is mutated concurrently by the dispatcher (registering items)
// and the listener (recording confirmations). Entries are sharded by a hash
// of the identifier, each shard guarded by its own mutex, so the listener is
// never serialized behind the dispatcher on a single global lock.
package tracker

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const numShards = 32

// Status is the resolved state of a correlation entry.
type Status string

const (
	// Dispatched, waiting for confirmations; only valid before freeze.
	StatusPending Status = "pending"
	// Both a callback and an artifact confirmation were observed.
	StatusFullyConfirmed Status = "fully_confirmed"
	// Exactly one confirmation kind was observed.
	StatusPartiallyConfirmed Status = "partially_confirmed"
	// Dispatch succeeded but no confirmation arrived before freeze.
	StatusUnconfirmed Status = "unconfirmed"
	// The enqueue call failed after an identifier was assigned. Excluded
	// from the confirmation universe but kept for dispatch statistics.
	StatusDispatchFailed Status = "dispatch_failed"
)

// ConfirmationKind identifies which side channel produced a confirmation.
type ConfirmationKind string

const (
	ConfirmationCallback ConfirmationKind = "callback"
	ConfirmationArtifact ConfirmationKind = "artifact"
)

// ConfirmationEvent is one observation from a side channel.
type ConfirmationEvent struct {
	Kind ConfirmationKind
	// Identifier of the work item the confirmation refers to. May be empty
	// if the payload did not echo one, in which case the event is orphaned.
	WorkItemId string
	ObservedAt time.Time
}

// Entry is the single source of truth for one dispatched work item.
type Entry struct {
	WorkItemId   string
	RegisteredAt time.Time
	// Zero-or-one observation per confirmation kind; zero time means absent.
	CallbackObservedAt time.Time
	ArtifactObservedAt time.Time
	Status             Status
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Tracker maps work-item identifiers to their correlation entries.
// Safe for concurrent use. After Freeze is called all mutation is rejected.
type Tracker struct {
	shards   [numShards]shard
	frozen   atomic.Bool
	orphaned atomic.Int64
}

func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*Entry)
	}
	return t
}

func (t *Tracker) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%numShards]
}

// Register creates a pending entry for a newly dispatched work item.
// Must be called before the call that can trigger a confirmation, so a
// confirmation can never race ahead of its own registration.
// Returns false if the tracker is frozen or the id is already registered.
func (t *Tracker) Register(id string) bool {
	if id == "" || t.frozen.Load() {
		return false
	}
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false
	}
	s.entries[id] = &Entry{
		WorkItemId:   id,
		RegisteredAt: time.Now(),
		Status:       StatusPending,
	}
	return true
}

// MarkDispatchFailed flips a registered entry to dispatch_failed, removing it
// from the confirmation universe. Used when the enqueue call errors after an
// identifier was already assigned.
func (t *Tracker) MarkDispatchFailed(id string) bool {
	if t.frozen.Load() {
		return false
	}
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	entry.Status = StatusDispatchFailed
	return true
}

// RecordConfirmation attributes a confirmation to its work item. The first
// observation per kind wins; repeats are ignored. Confirmations referencing
// an unregistered identifier (or arriving after freeze) are dropped and
// counted as orphaned rather than buffered.
func (t *Tracker) RecordConfirmation(ev ConfirmationEvent) bool {
	if ev.WorkItemId == "" || t.frozen.Load() {
		t.orphaned.Add(1)
		return false
	}
	s := t.shardFor(ev.WorkItemId)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[ev.WorkItemId]
	if !ok || entry.Status == StatusDispatchFailed {
		t.orphaned.Add(1)
		return false
	}
	observedAt := ev.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	switch ev.Kind {
	case ConfirmationCallback:
		if entry.CallbackObservedAt.IsZero() {
			entry.CallbackObservedAt = observedAt
		}
	case ConfirmationArtifact:
		if entry.ArtifactObservedAt.IsZero() {
			entry.ArtifactObservedAt = observedAt
		}
	default:
		t.orphaned.Add(1)
		return false
	}
	return true
}

// Freeze stops all further mutation and resolves every entry's terminal
// status. Idempotent; only the first call recomputes statuses.
func (t *Tracker) Freeze() {
	if !t.frozen.CompareAndSwap(false, true) {
		return
	}
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, entry := range s.entries {
			if entry.Status == StatusDispatchFailed {
				continue
			}
			hasCallback := !entry.CallbackObservedAt.IsZero()
			hasArtifact := !entry.ArtifactObservedAt.IsZero()
			switch {
			case hasCallback && hasArtifact:
				entry.Status = StatusFullyConfirmed
			case hasCallback || hasArtifact:
				entry.Status = StatusPartiallyConfirmed
			default:
				entry.Status = StatusUnconfirmed
			}
		}
		s.mu.Unlock()
	}
}

// Frozen reports whether Freeze has been called.
func (t *Tracker) Frozen() bool {
	return t.frozen.Load()
}

// Entries returns a copy of all entries.
func (t *Tracker) Entries() []Entry {
	entries := make([]Entry, 0, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, entry := range s.entries {
			entries = append(entries, *entry)
		}
		s.mu.Unlock()
	}
	return entries
}

// Len returns the number of registered entries.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Orphaned returns the number of confirmations that could not be attributed
// to a registered work item.
func (t *Tracker) Orphaned() int64 {
	return t.orphaned.Load()
}

// PendingConfirmations returns the number of entries still missing a
// confirmation of any of the given kinds. The orchestrator uses this to cut
// the grace window short once every expected channel has reported.
func (t *Tracker) PendingConfirmations(kinds ...ConfirmationKind) int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, entry := range s.entries {
			if entry.Status == StatusDispatchFailed {
				continue
			}
			for _, kind := range kinds {
				if kind == ConfirmationCallback && entry.CallbackObservedAt.IsZero() {
					n++
					break
				}
				if kind == ConfirmationArtifact && entry.ArtifactObservedAt.IsZero() {
					n++
					break
				}
			}
		}
		s.mu.Unlock()
	}
	return n
}
