// Package memstore provides in-memory implementations of the incident sinks,
// the notification ledger and incident.RunStore.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/lookout/internal/incident"
)

// Store holds runs, incident records and the notification ledger in memory.
// Suitable for dev/testing and single-process CLI runs.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]*incident.Run         // run ID -> run
	seen      map[string]string                // report fingerprint -> run ID (dedup)
	incidents map[string]incident.Record       // partition/dedup key -> record
	sent      map[string]incident.Notification // dedup key -> claimed notification
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*incident.Run),
		seen:      make(map[string]string),
		incidents: make(map[string]incident.Record),
		sent:      make(map[string]incident.Notification),
	}
}

// Get retrieves a run by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// GetByFingerprint retrieves the latest run for a report fingerprint. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*incident.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	r := s.runs[id]
	cp := *r
	return &cp, true, nil
}

// Put stores a copy of the run.
func (s *Store) Put(_ context.Context, r *incident.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	s.seen[r.Fingerprint] = r.ID
	return nil
}

// PutIfAbsent stores rec unless key already exists in partition.
func (s *Store) PutIfAbsent(_ context.Context, partition, key string, rec incident.Record) (incident.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := partition + "/" + key
	if _, ok := s.incidents[k]; ok {
		return incident.PutExists, nil
	}
	s.incidents[k] = rec
	return incident.PutCreated, nil
}

// Record returns the stored record for key in partition.
func (s *Store) Record(partition, key string) (incident.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.incidents[partition+"/"+key]
	return rec, ok
}

// Incidents returns the number of stored incident records.
func (s *Store) Incidents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}

// Claim marks key as notified. It returns false when key was already claimed.
func (s *Store) Claim(_ context.Context, key string, n incident.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[key]; ok {
		return false, nil
	}
	s.sent[key] = n
	return true, nil
}

// Release drops a claim so a failed send can be retried.
func (s *Store) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, key)
	return nil
}
