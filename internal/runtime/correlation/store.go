// Package correlation tracks in-flight messages between the send path and the
// receive path of a run.
package correlation

import (
	"fmt"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/relaybench/internal/runtime/errors"
)

// Entry is the state kept per sent message.
type Entry struct {
	SendTimestampMs int64
	matched         atomic.Bool
}

// Matched reports whether a receive has already claimed the entry.
func (e *Entry) Matched() bool {
	return e.matched.Load()
}

// LookupStatus is the outcome of Claim.
type LookupStatus int

const (
	// Unknown means no send was recorded for the id.
	Unknown LookupStatus = iota
	// Matched means this call claimed the entry.
	Matched
	// Duplicate means an earlier receive already claimed the entry.
	Duplicate
)

func (s LookupStatus) String() string {
	switch s {
	case Matched:
		return "matched"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Store maps correlation ids to send timestamps. It is safe for concurrent
// senders and receivers without external locking. Entries are marked matched
// on their first receive and only removed by Evict.
type Store struct {
	entries sync.Map // string -> *Entry
	size    atomic.Int64
	matched atomic.Int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Put records the send timestamp for id. A second Put for the same id returns
// ErrDuplicateSend and leaves the original entry untouched.
func (s *Store) Put(id string, sendTimestampMs int64) error {
	if id == "" {
		return errspkg.ErrCorrelationRequired
	}
	if _, loaded := s.entries.LoadOrStore(id, &Entry{SendTimestampMs: sendTimestampMs}); loaded {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateSend, id)
	}
	s.size.Add(1)
	return nil
}

// Get returns the entry for id without claiming it.
func (s *Store) Get(id string) (*Entry, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Claim marks the entry for id as received. Exactly one caller per id observes
// Matched; later callers observe Duplicate.
func (s *Store) Claim(id string) (*Entry, LookupStatus) {
	entry, ok := s.Get(id)
	if !ok {
		return nil, Unknown
	}
	if !entry.matched.CompareAndSwap(false, true) {
		return entry, Duplicate
	}
	s.matched.Add(1)
	return entry, Matched
}

// Len returns the number of entries currently held.
func (s *Store) Len() int64 {
	return s.size.Load()
}

// Pending returns the number of entries that were sent but not yet received.
func (s *Store) Pending() int64 {
	return s.size.Load() - s.matched.Load()
}

// Evict removes every entry and returns how many were never matched.
func (s *Store) Evict() (orphaned int64) {
	s.entries.Range(func(key, value any) bool {
		if _, loaded := s.entries.LoadAndDelete(key); loaded {
			s.size.Add(-1)
			if value.(*Entry).Matched() {
				s.matched.Add(-1)
			} else {
				orphaned++
			}
		}
		return true
	})
	return orphaned
}
