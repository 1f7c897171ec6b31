package workflow

import "github.com/linnemanlabs/vanguard/internal/alert"

// State tracks how far an alert has progressed through the pipeline.
type State string

const (
	StateIngested     State = "ingested"
	StateTriaged      State = "triaged"
	StateEnriched     State = "enriched"
	StateInvestigated State = "investigated"
	StateRemediated   State = "remediated"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

// Field names a persisted component of a workflow record.
type Field string

const (
	FieldAlert         Field = "alert"
	FieldState         Field = "state"
	FieldTriage        Field = "triage"
	FieldThreatIntel   Field = "threat_intel"
	FieldInvestigation Field = "investigation"
	FieldRemediation   Field = "remediation"
)

// Severity of a triaged alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// RiskLevel of an enriched indicator or finding.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// RemediationStatus is the overall status of a remediation run.
type RemediationStatus string

const (
	RemediationSuccess RemediationStatus = "success"
	RemediationPartial RemediationStatus = "partial"
	RemediationError   RemediationStatus = "error"
	RemediationSkipped RemediationStatus = "skipped"
)

// Valid reports whether s is one of the known remediation statuses.
func (s RemediationStatus) Valid() bool {
	switch s {
	case RemediationSuccess, RemediationPartial, RemediationError, RemediationSkipped:
		return true
	}
	return false
}

// Indicator is a typed artifact extracted from an alert. Type and Value
// together identify it.
type Indicator struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TriageResult classifies an alert.
type TriageResult struct {
	Category   string      `json:"category"`
	Severity   Severity    `json:"severity"`
	Indicators []Indicator `json:"indicators"`
}

// EnrichedIndicator is an Indicator annotated by threat intelligence.
type EnrichedIndicator struct {
	Type        string         `json:"type"`
	Value       string         `json:"value"`
	Description string         `json:"description"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Details     map[string]any `json:"details,omitempty"`
}

// ThreatIntelResult is the enrichment output. The zero value (no
// indicators, no sources) is a valid terminal state.
type ThreatIntelResult struct {
	Indicators []EnrichedIndicator `json:"indicators"`
	Sources    []string            `json:"sources"`
	Timestamp  float64             `json:"timestamp"`
}

// Empty reports whether the result carries no enrichment.
func (t *ThreatIntelResult) Empty() bool {
	return t == nil || (len(t.Indicators) == 0 && len(t.Sources) == 0)
}

// emptyThreatIntel returns the empty value with non-nil slices so it
// encodes as [] rather than null.
func emptyThreatIntel() *ThreatIntelResult {
	return &ThreatIntelResult{Indicators: []EnrichedIndicator{}, Sources: []string{}}
}

// Finding is one indicator-level conclusion of an investigation.
type Finding struct {
	Indicator Indicator `json:"indicator"`
	Analysis  string    `json:"analysis"`
	RiskLevel RiskLevel `json:"risk_level"`
}

// InvestigationResult is the investigation output. Error is set only on
// the sentinel substituted for a failed investigation.
type InvestigationResult struct {
	Summary            string    `json:"summary"`
	Findings           []Finding `json:"findings"`
	Confidence         float64   `json:"confidence"`
	RecommendedActions []string  `json:"recommended_actions"`
	Error              string    `json:"error,omitempty"`
}

// ActionOutcome records one remediation action.
type ActionOutcome struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RemediationResult is the remediation output.
type RemediationResult struct {
	ActionsTaken []ActionOutcome   `json:"actions_taken"`
	Status       RemediationStatus `json:"status"`
	Message      string            `json:"message"`
	Timestamp    float64           `json:"timestamp"`
}

// Record is the persisted aggregate for one alert. Stage fields are nil
// until the stage has produced output.
type Record struct {
	AlertID       string               `json:"alert_id"`
	State         State                `json:"state,omitempty"`
	Alert         *alert.Alert         `json:"alert"`
	Triage        *TriageResult        `json:"triage"`
	ThreatIntel   *ThreatIntelResult   `json:"threat_intel"`
	Investigation *InvestigationResult `json:"investigation"`
	Remediation   *RemediationResult   `json:"remediation"`
}

// Outcome is returned to callers of ProcessAlert on success.
type Outcome struct {
	AlertID       string               `json:"alert_id"`
	Status        State                `json:"status"`
	Triage        *TriageResult        `json:"triage"`
	ThreatIntel   *ThreatIntelResult   `json:"threat_intel"`
	Investigation *InvestigationResult `json:"investigation"`
	Remediation   *RemediationResult   `json:"remediation"`
}

// EnrichRequest is the threat intel stage request.
type EnrichRequest struct {
	Indicators []Indicator `json:"indicators"`
}

// InvestigationRequest is the investigation stage request. ThreatIntel is
// omitted when enrichment was skipped or failed.
type InvestigationRequest struct {
	Alert       *alert.Alert       `json:"alert"`
	Triage      *TriageResult      `json:"triage"`
	ThreatIntel *ThreatIntelResult `json:"threat_intel,omitempty"`
}

// RemediationRequest is the remediation stage request.
type RemediationRequest struct {
	Alert         *alert.Alert         `json:"alert"`
	Investigation *InvestigationResult `json:"investigation"`
}
