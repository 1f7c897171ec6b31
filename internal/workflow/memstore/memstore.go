// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

type fields = map[workflow.Field]json.RawMessage

// Store holds workflow records in memory, bounded by record count and
// retention. Suitable for dev/testing and single-replica deployments.
type Store struct {
	mu      sync.Mutex // serializes read-modify-write of a record
	records *expirable.LRU[string, fields]
}

// New creates a Store holding at most maxAlerts records, each kept for
// retention after its last write. maxAlerts <= 0 means unbounded and
// retention <= 0 means records never expire.
func New(maxAlerts int, retention time.Duration) *Store {
	if maxAlerts < 0 {
		maxAlerts = 0
	}
	return &Store{
		records: expirable.NewLRU[string, fields](maxAlerts, nil, retention),
	}
}

// Put stores a copy of value under the record's field. Every write
// restarts the record's retention window.
func (s *Store) Put(_ context.Context, alertID string, field workflow.Field, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// records are copy-on-write so readers never see a map being mutated
	next := make(fields)
	if cur, ok := s.records.Get(alertID); ok {
		maps.Copy(next, cur)
	}
	next[field] = append(json.RawMessage(nil), value...)
	s.records.Add(alertID, next)
	return nil
}

// Get returns a copy of one field.
func (s *Store) Get(_ context.Context, alertID string, field workflow.Field) (json.RawMessage, bool, error) {
	rec, ok := s.records.Get(alertID)
	if !ok {
		return nil, false, nil
	}
	v, ok := rec[field]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

// GetAll reconstructs the whole record.
func (s *Store) GetAll(_ context.Context, alertID string) (*workflow.Record, error) {
	rec, ok := s.records.Get(alertID)
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return workflow.DecodeRecord(alertID, rec)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	return s.records.Len()
}
