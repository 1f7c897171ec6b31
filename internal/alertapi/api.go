// Package alertapi exposes the workflow service over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/workflow"
)

// WorkflowService defines the business operations alertapi needs.
type WorkflowService interface {
	ProcessAlert(ctx context.Context, al *alert.Alert) (*workflow.Outcome, error)
	GetStatus(ctx context.Context, alertID string) (*workflow.Record, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       WorkflowService
	validator *alert.Validator
}

// New creates a new API handler. A nil validator uses the embedded alert
// schema.
func New(logger log.Logger, svc WorkflowService, validator *alert.Validator) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("workflow service is required"))
	}
	if validator == nil {
		v, err := alert.NewValidator()
		if err != nil {
			panic(xerrors.New("compile alert schema: " + err.Error()))
		}
		validator = v
	}
	return &API{
		logger:    logger,
		svc:       svc,
		validator: validator,
	}
}

// RegisterRoutes attaches API endpoints to the router. mw wraps only the
// API routes, typically authentication.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)
		r.Post("/alert", a.handleProcessAlert)
		r.Get("/alert/{alert_id}", a.handleGetStatus)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Stage   string `json:"stage,omitempty"`
	AlertID string `json:"alert_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error here
	_ = json.NewEncoder(w).Encode(v)
}
