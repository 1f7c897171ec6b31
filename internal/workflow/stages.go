package workflow

import (
	"context"

	"github.com/linnemanlabs/vanguard/internal/alert"
)

// Stage names, used in errors, logs and metric labels.
const (
	StageTriage        = "triage"
	StageThreatIntel   = "threat_intel"
	StageInvestigation = "investigation"
	StageRemediation   = "remediation"
)

// Stage is one remote analysis or response step.
type Stage[Req, Resp any] interface {
	Invoke(ctx context.Context, req Req) (Resp, error)
}

// Stages are the four collaborators driven by the Pipeline, in order.
type Stages struct {
	Triage        Stage[*alert.Alert, *TriageResult]
	ThreatIntel   Stage[*EnrichRequest, *ThreatIntelResult]
	Investigation Stage[*InvestigationRequest, *InvestigationResult]
	Remediation   Stage[*RemediationRequest, *RemediationResult]
}
