package workflow

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vanguard/internal/alert"
)

// Service is the business boundary for workflow operations.
type Service struct {
	store    Store
	pipeline *Pipeline
	logger   log.Logger
}

// NewService creates a new workflow service.
func NewService(store Store, pipeline *Pipeline, logger log.Logger) *Service {
	if store == nil || pipeline == nil {
		panic(xerrors.New("workflow store and pipeline are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		pipeline: pipeline,
		logger:   logger,
	}
}

// ProcessAlert assigns the alert its canonical id, persists it and runs the
// pipeline to completion. The id is never derived from alert fields.
func (s *Service) ProcessAlert(ctx context.Context, al *alert.Alert) (*Outcome, error) {
	id := ulid.Make().String()
	al = al.Clone()

	L := s.logger.With("alert_id", id)
	// the alert goes in before triage so an aborted run leaves a partial record
	s.pipeline.persist(ctx, L, id, FieldAlert, al)
	s.pipeline.persist(ctx, L, id, FieldState, StateIngested)

	L.Info(ctx, "alert ingested", "source", al.Source, "event_type", al.EventType)
	return s.pipeline.Run(ctx, id, al)
}

// GetStatus reconstructs the record for alertID from the store. It never
// invokes a stage.
func (s *Service) GetStatus(ctx context.Context, alertID string) (*Record, error) {
	return s.store.GetAll(ctx, alertID)
}
