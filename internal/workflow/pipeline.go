package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/stage"
)

const storeWriteTimeout = 5 * time.Second

// stage outcome labels
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// workflow outcome labels
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/workflow")

// PipelineOptions tunes the pipeline.
type PipelineOptions struct {
	// EnrichBatchSize splits indicators into concurrent threat intel
	// requests of at most this many indicators. Zero sends one request.
	EnrichBatchSize int

	// Channels receive the completion notification.
	Channels []string

	// ErrorChannels receive the abort notification.
	ErrorChannels []string
}

// Pipeline drives one alert through triage, enrichment, investigation and
// remediation. Only a triage failure aborts the workflow; later stages
// degrade to empty or sentinel results.
type Pipeline struct {
	stages   Stages
	store    Store
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
	opts     PipelineOptions
	now      func() time.Time
}

// NewPipeline creates a pipeline. notifier may be nil.
func NewPipeline(stages Stages, store Store, notifier Notifier, logger log.Logger, hooks Hooks, opts PipelineOptions) *Pipeline {
	if stages.Triage == nil || stages.ThreatIntel == nil || stages.Investigation == nil || stages.Remediation == nil {
		panic(xerrors.New("all four stages are required"))
	}
	if store == nil {
		panic(xerrors.New("workflow store is required"))
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		stages:   stages,
		store:    store,
		notifier: notifier,
		logger:   logger,
		hooks:    hooks,
		opts:     opts,
		now:      time.Now,
	}
}

// Run executes the pipeline for an alert already persisted under alertID.
// It returns a *Error when triage fails and a wrapped context error when
// ctx is cancelled between stages. Results persisted before a failure or
// cancellation are kept.
func (p *Pipeline) Run(ctx context.Context, alertID string, al *alert.Alert) (*Outcome, error) {
	start := p.now()
	ctx, span := tracer.Start(ctx, "workflow.Run", trace.WithAttributes(
		attribute.String("vanguard.alert.id", alertID),
		attribute.String("vanguard.alert.source", al.Source),
	))
	defer span.End()

	L := p.logger.With("alert_id", alertID, "source", al.Source, "event_type", al.EventType)

	// Ingested -> Triaged. The only fatal transition.
	tr, err := p.triage(ctx, L, al)
	if interrupted(ctx, err) {
		return nil, p.cancelledDuring(ctx, L, start, StageTriage)
	}
	if err != nil {
		p.persist(ctx, L, alertID, FieldState, StateAborted)
		p.notifier.Notify(context.WithoutCancel(ctx), &Notification{
			AlertID:   alertID,
			State:     StateAborted,
			Source:    al.Source,
			EventType: al.EventType,
			Error:     err.Error(),
			Timestamp: p.now(),
		}, p.opts.ErrorChannels)
		p.hooks.complete(OutcomeAborted, p.now().Sub(start).Seconds())

		span.RecordError(err)
		span.SetStatus(codes.Error, "triage failed")
		L.Error(ctx, err, "workflow aborted", "stage", StageTriage, "kind", stage.KindOf(err))
		return nil, &Error{AlertID: alertID, Stage: StageTriage, Err: err}
	}
	p.persist(ctx, L, alertID, FieldTriage, tr)
	p.persist(ctx, L, alertID, FieldState, StateTriaged)
	span.SetAttributes(attribute.String("vanguard.triage.severity", string(tr.Severity)))

	if err := p.checkCancelled(ctx, L, start, StageThreatIntel); err != nil {
		return nil, err
	}

	// Triaged -> Enriched
	ti, err := p.enrich(ctx, L, alertID, tr.Indicators)
	if err != nil {
		return nil, p.cancelledDuring(ctx, L, start, StageThreatIntel)
	}
	p.persist(ctx, L, alertID, FieldState, StateEnriched)

	if err := p.checkCancelled(ctx, L, start, StageInvestigation); err != nil {
		return nil, err
	}

	// Enriched -> Investigated
	inv, err := p.investigate(ctx, L, alertID, al, tr, ti)
	if err != nil {
		return nil, p.cancelledDuring(ctx, L, start, StageInvestigation)
	}
	p.persist(ctx, L, alertID, FieldState, StateInvestigated)

	if err := p.checkCancelled(ctx, L, start, StageRemediation); err != nil {
		return nil, err
	}

	// Investigated -> Remediated
	rem, err := p.remediate(ctx, L, alertID, al, inv)
	if err != nil {
		return nil, p.cancelledDuring(ctx, L, start, StageRemediation)
	}
	p.persist(ctx, L, alertID, FieldState, StateRemediated)

	// Remediated -> Completed
	out := &Outcome{
		AlertID:       alertID,
		Status:        StateCompleted,
		Triage:        tr,
		ThreatIntel:   ti,
		Investigation: inv,
		Remediation:   rem,
	}
	p.persist(ctx, L, alertID, FieldState, StateCompleted)

	p.notifier.Notify(context.WithoutCancel(ctx), &Notification{
		AlertID:            alertID,
		State:              StateCompleted,
		Source:             al.Source,
		EventType:          al.EventType,
		Severity:           tr.Severity,
		Category:           tr.Category,
		Summary:            inv.Summary,
		RecommendedActions: inv.RecommendedActions,
		RemediationStatus:  rem.Status,
		Timestamp:          p.now(),
	}, p.opts.Channels)

	duration := p.now().Sub(start).Seconds()
	p.hooks.complete(OutcomeCompleted, duration)
	L.Info(ctx, "workflow complete",
		"severity", tr.Severity,
		"category", tr.Category,
		"enriched_indicators", len(ti.Indicators),
		"investigation_degraded", inv.Error != "",
		"remediation_status", rem.Status,
		"duration", duration,
	)
	return out, nil
}

func (p *Pipeline) checkCancelled(ctx context.Context, L log.Logger, start time.Time, next string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	p.hooks.complete(OutcomeCancelled, p.now().Sub(start).Seconds())
	L.Warn(ctx, "workflow cancelled, abandoning remaining stages", "next_stage", next, "error", err)
	return fmt.Errorf("workflow cancelled before %s: %w", next, err)
}

// cancelledDuring ends a workflow whose ctx was cancelled while a stage
// call was in flight. Nothing is persisted for the interrupted stage.
func (p *Pipeline) cancelledDuring(ctx context.Context, L log.Logger, start time.Time, name string) error {
	err := ctx.Err()
	p.hooks.complete(OutcomeCancelled, p.now().Sub(start).Seconds())
	L.Warn(ctx, "workflow cancelled during stage call, abandoning remaining stages", "stage", name, "error", err)
	return fmt.Errorf("workflow cancelled during %s: %w", name, err)
}

// interrupted reports whether a stage error came from cancellation of ctx.
// An expired deadline is not a cancellation and stays a stage failure.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && errors.Is(ctx.Err(), context.Canceled)
}

func (p *Pipeline) triage(ctx context.Context, L log.Logger, al *alert.Alert) (*TriageResult, error) {
	start := p.now()
	res, err := p.stages.Triage.Invoke(ctx, al)
	if err == nil {
		err = validateTriage(res)
	}
	p.observe(ctx, L, StageTriage, start, err)
	if err != nil {
		return nil, err
	}
	if res.Indicators == nil {
		res.Indicators = []Indicator{}
	}
	return res, nil
}

func validateTriage(res *TriageResult) error {
	if res == nil {
		return &stage.Error{Stage: StageTriage, Kind: stage.ErrUpstream, Err: errors.New("empty response")}
	}
	res.Severity = Severity(strings.ToLower(string(res.Severity)))
	if !res.Severity.Valid() {
		return &stage.Error{Stage: StageTriage, Kind: stage.ErrUpstream, Err: fmt.Errorf("invalid severity %q", res.Severity)}
	}
	return nil
}

// enrich only returns an error when ctx was cancelled mid-call: a skipped
// or failed enrichment yields the empty result, which is not persisted.
func (p *Pipeline) enrich(ctx context.Context, L log.Logger, alertID string, indicators []Indicator) (*ThreatIntelResult, error) {
	unique := uniqueIndicators(indicators)
	if len(unique) == 0 {
		p.hooks.stage(StageThreatIntel, outcomeSkipped, 0)
		L.Info(ctx, "enrichment skipped, no indicators")
		return emptyThreatIntel(), nil
	}

	start := p.now()
	res, err := p.fetchThreatIntel(ctx, unique)
	p.observe(ctx, L, StageThreatIntel, start, err)
	if interrupted(ctx, err) {
		return nil, err
	}
	if err != nil {
		return emptyThreatIntel(), nil
	}

	if res.Indicators == nil {
		res.Indicators = []EnrichedIndicator{}
	}
	if res.Sources == nil {
		res.Sources = []string{}
	}
	p.persist(ctx, L, alertID, FieldThreatIntel, res)
	return res, nil
}

func (p *Pipeline) fetchThreatIntel(ctx context.Context, indicators []Indicator) (*ThreatIntelResult, error) {
	size := p.opts.EnrichBatchSize
	if size <= 0 || len(indicators) <= size {
		res, err := p.stages.ThreatIntel.Invoke(ctx, &EnrichRequest{Indicators: indicators})
		if err == nil && res == nil {
			err = &stage.Error{Stage: StageThreatIntel, Kind: stage.ErrUpstream, Err: errors.New("empty response")}
		}
		return res, err
	}

	batches := chunkIndicators(indicators, size)
	results := make([]*ThreatIntelResult, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := p.stages.ThreatIntel.Invoke(gctx, &EnrichRequest{Indicators: batch})
			if err != nil {
				return err
			}
			if res == nil {
				return &stage.Error{Stage: StageThreatIntel, Kind: stage.ErrUpstream, Err: errors.New("empty response")}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeThreatIntel(results), nil
}

func (p *Pipeline) investigate(ctx context.Context, L log.Logger, alertID string, al *alert.Alert, tr *TriageResult, ti *ThreatIntelResult) (*InvestigationResult, error) {
	req := &InvestigationRequest{Alert: al, Triage: tr}
	if !ti.Empty() {
		req.ThreatIntel = ti
	}

	start := p.now()
	res, err := p.stages.Investigation.Invoke(ctx, req)
	if err == nil && res == nil {
		err = &stage.Error{Stage: StageInvestigation, Kind: stage.ErrUpstream, Err: errors.New("empty response")}
	}
	p.observe(ctx, L, StageInvestigation, start, err)
	if interrupted(ctx, err) {
		return nil, err
	}

	if err != nil {
		res = &InvestigationResult{
			Findings:           []Finding{},
			RecommendedActions: []string{},
			Error:              "investigation failed: " + err.Error(),
		}
	} else {
		res.Confidence = clamp01(res.Confidence)
		if res.Findings == nil {
			res.Findings = []Finding{}
		}
		if res.RecommendedActions == nil {
			res.RecommendedActions = []string{}
		}
	}
	p.persist(ctx, L, alertID, FieldInvestigation, res)
	return res, nil
}

func (p *Pipeline) remediate(ctx context.Context, L log.Logger, alertID string, al *alert.Alert, inv *InvestigationResult) (*RemediationResult, error) {
	start := p.now()
	res, err := p.stages.Remediation.Invoke(ctx, &RemediationRequest{Alert: al, Investigation: inv})
	switch {
	case err != nil:
	case res == nil:
		err = &stage.Error{Stage: StageRemediation, Kind: stage.ErrUpstream, Err: errors.New("empty response")}
	case !res.Status.Valid():
		err = &stage.Error{Stage: StageRemediation, Kind: stage.ErrUpstream, Err: fmt.Errorf("invalid status %q", res.Status)}
	}
	p.observe(ctx, L, StageRemediation, start, err)
	if interrupted(ctx, err) {
		return nil, err
	}

	if err != nil {
		res = &RemediationResult{
			ActionsTaken: []ActionOutcome{},
			Status:       RemediationError,
			Message:      "remediation failed: " + err.Error(),
			Timestamp:    epochSeconds(p.now()),
		}
	} else if res.ActionsTaken == nil {
		res.ActionsTaken = []ActionOutcome{}
	}
	p.persist(ctx, L, alertID, FieldRemediation, res)
	return res, nil
}

func (p *Pipeline) observe(ctx context.Context, L log.Logger, name string, start time.Time, err error) {
	duration := p.now().Sub(start).Seconds()
	if interrupted(ctx, err) {
		p.hooks.stage(name, OutcomeCancelled, duration)
		return // logged by Run
	}
	if err != nil {
		p.hooks.stage(name, outcomeFailed, duration)
		if name == StageTriage {
			return // logged by Run as the abort cause
		}
		L.Warn(ctx, "stage failed, continuing with degraded result",
			"stage", name,
			"kind", stage.KindOf(err),
			"duration", duration,
			"error", err,
		)
		return
	}
	p.hooks.stage(name, outcomeSuccess, duration)
	L.Info(ctx, "stage complete", "stage", name, "duration", duration)
}

// persist writes one field. Writes are best effort and detached from ctx
// cancellation so completed stage output survives a client disconnect.
func (p *Pipeline) persist(ctx context.Context, L log.Logger, alertID string, field Field, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.hooks.storeError(field)
		L.Error(ctx, err, "failed to encode workflow field", "field", field)
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := p.store.Put(wctx, alertID, field, raw); err != nil {
		p.hooks.storeError(field)
		L.Error(ctx, err, "failed to persist workflow field", "field", field)
	}
}

func uniqueIndicators(in []Indicator) []Indicator {
	seen := make(map[Indicator]struct{}, len(in))
	out := make([]Indicator, 0, len(in))
	for _, ind := range in {
		if _, ok := seen[ind]; ok {
			continue
		}
		seen[ind] = struct{}{}
		out = append(out, ind)
	}
	return out
}

func chunkIndicators(in []Indicator, size int) [][]Indicator {
	chunks := make([][]Indicator, 0, (len(in)+size-1)/size)
	for len(in) > size {
		chunks = append(chunks, in[:size:size])
		in = in[size:]
	}
	if len(in) > 0 {
		chunks = append(chunks, in)
	}
	return chunks
}

// mergeThreatIntel concatenates batch results in batch order, unions the
// sources keeping first-seen order, and keeps the latest timestamp.
func mergeThreatIntel(results []*ThreatIntelResult) *ThreatIntelResult {
	out := emptyThreatIntel()
	seen := make(map[string]struct{})
	for _, r := range results {
		out.Indicators = append(out.Indicators, r.Indicators...)
		for _, s := range r.Sources {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out.Sources = append(out.Sources, s)
		}
		if r.Timestamp > out.Timestamp {
			out.Timestamp = r.Timestamp
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
