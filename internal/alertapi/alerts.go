package alertapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

func (a *API) handleProcessAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read request body"})
		return
	}

	al, err := a.validator.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	out, err := a.svc.ProcessAlert(ctx, al)
	if err != nil {
		var werr *workflow.Error
		switch {
		case errors.As(err, &werr):
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("vanguard.alert.id", werr.AlertID))
			writeJSON(w, http.StatusBadGateway, errorResponse{
				Error:   werr.Err.Error(),
				Stage:   werr.Stage,
				AlertID: werr.AlertID,
			})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			a.logger.Warn(ctx, "alert processing cancelled", "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			a.logger.Error(ctx, err, "alert processing failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("vanguard.alert.id", out.AlertID),
		attribute.String("vanguard.workflow.status", string(out.Status)),
	)
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "alert_id")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("vanguard.alert.id", id))

	rec, err := a.svc.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "alert not found", AlertID: id})
			return
		}
		a.logger.Error(ctx, err, "load workflow record", "alert_id", id)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
