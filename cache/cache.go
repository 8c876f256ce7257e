// Package cache is the process-wide store of the latest reading per
// device. Writers are the poll pipelines; readers are the SOC monitor,
// the recovery watchdog and the status publisher.
package cache

import (
	"sync"
	"time"

	"pms-go/types"
)

// DefaultFreshness is the age beyond which cached data counts as
// missing.
const DefaultFreshness = 300 * time.Second

// Entry is the cached state of one device.
type Entry struct {
	Reading   *types.Reading
	Connected bool
	LastError string
	LastGood  time.Time
}

// Store is a thread-safe device→Entry map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Update records a successful poll. The entry's error is cleared and
// LastGood takes the reading's timestamp.
func (s *Store) Update(device string, r *types.Reading) {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	s.entries[device] = Entry{Reading: r, Connected: true, LastGood: ts}
	s.mu.Unlock()
}

// SetError marks a device as failed. The stale reading is kept so
// status consumers can still show the last known values.
func (s *Store) SetError(device, msg string) {
	s.mu.Lock()
	e := s.entries[device]
	e.Connected = false
	e.LastError = msg
	s.entries[device] = e
	s.mu.Unlock()
}

// Get returns a copy of the device's entry.
func (s *Store) Get(device string) (Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[device]
	s.mu.RUnlock()
	return e, ok
}

// Reading returns the last reading, or nil when none was ever stored.
func (s *Store) Reading(device string) *types.Reading {
	e, _ := s.Get(device)
	return e.Reading
}

// IsFresh reports whether the device has a reading younger than
// maxAge. maxAge 0 selects DefaultFreshness.
func (s *Store) IsFresh(device string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultFreshness
	}
	e, ok := s.Get(device)
	if !ok || e.Reading == nil {
		return false
	}
	return time.Since(e.LastGood) <= maxAge
}

// Snapshot copies the whole store for status reporting.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
