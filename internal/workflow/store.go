package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store persists workflow records one field at a time. Put overwrites. Get
// after a completed Put for the same field returns the last written value.
// GetAll returns ErrNotFound when no alert field exists for the id,
// including after retention expiry.
type Store interface {
	Put(ctx context.Context, alertID string, field Field, value json.RawMessage) error
	Get(ctx context.Context, alertID string, field Field) (json.RawMessage, bool, error)
	GetAll(ctx context.Context, alertID string) (*Record, error)
}

// DecodeRecord assembles a Record from raw per-field values. Store
// implementations use it to implement GetAll.
func DecodeRecord(alertID string, fields map[Field]json.RawMessage) (*Record, error) {
	raw, ok := fields[FieldAlert]
	if !ok {
		return nil, ErrNotFound
	}

	r := &Record{AlertID: alertID}
	if err := json.Unmarshal(raw, &r.Alert); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FieldAlert, err)
	}

	targets := []struct {
		field Field
		dst   any
	}{
		{FieldState, &r.State},
		{FieldTriage, &r.Triage},
		{FieldThreatIntel, &r.ThreatIntel},
		{FieldInvestigation, &r.Investigation},
		{FieldRemediation, &r.Remediation},
	}
	for _, t := range targets {
		raw, ok := fields[t.field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, t.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.field, err)
		}
	}
	return r, nil
}

// KnownFields lists every field a record can hold, in pipeline order.
var KnownFields = []Field{
	FieldAlert,
	FieldState,
	FieldTriage,
	FieldThreatIntel,
	FieldInvestigation,
	FieldRemediation,
}
