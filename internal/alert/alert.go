// Package alert defines the raw security alert accepted by vanguard and the
// validation applied to inbound payloads.
package alert

// Alert is a raw security alert as delivered by a detection source. It is
// immutable once ingested.
type Alert struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Timestamp float64        `json:"timestamp"` // seconds since epoch
	Details   map[string]any `json:"details"`
}

// Clone returns a copy of the alert with its own top-level Details map.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Details != nil {
		cp.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}
