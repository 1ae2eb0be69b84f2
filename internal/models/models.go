// Package models defines the records that flow through the pipeline:
// packets in, alerts out of detection, reports out of investigation and
// action records out of response. Records are immutable once emitted;
// corrections are expressed by appending new records.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity classifies an alert by model score band.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    0,
	SeverityMedium: 1,
	SeverityHigh:   2,
}

// Rank returns the ordinal of the severity band, low first. Unknown
// values rank below low.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Verdict is the categorical outcome of an investigation.
type Verdict string

const (
	VerdictBenign     Verdict = "benign"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

var verdictRank = map[Verdict]int{
	VerdictBenign:     0,
	VerdictSuspicious: 1,
	VerdictMalicious:  2,
}

// Rank returns the ordinal of the verdict, benign first.
func (v Verdict) Rank() int {
	if r, ok := verdictRank[v]; ok {
		return r
	}
	return -1
}

// Packet is one parsed L3/L4 record from a packet source. Extra fields in
// serialized input are ignored on decode.
type Packet struct {
	TS      float64 `json:"ts"`
	SrcIP   string  `json:"src_ip"`
	DstIP   string  `json:"dst_ip"`
	Proto   string  `json:"proto"`
	SrcPort int     `json:"src_port"`
	DstPort int     `json:"dst_port"`
	Size    int     `json:"size"`
	Flags   string  `json:"flags,omitempty"`
}

// AlertEvent is emitted by the detection engine for a scored flow whose
// model score cleared the emit threshold.
type AlertEvent struct {
	ID         string             `json:"id"`
	TS         float64            `json:"ts"`
	SrcIP      string             `json:"src_ip"`
	DstIP      string             `json:"dst_ip"`
	Proto      string             `json:"proto"`
	Features   map[string]float64 `json:"features"`
	ModelScore float64            `json:"model_score"`
	Confidence float64            `json:"confidence"`
	Severity   Severity           `json:"severity"`
	SensorID   string             `json:"sensor_id"`
}

// Finding is one threat-intel provider's answer for an IOC. Error is set
// when the provider failed; NormalizedScore is only meaningful when Error
// is empty.
type Finding struct {
	Source          string         `json:"source"`
	Raw             map[string]any `json:"raw,omitempty"`
	NormalizedScore float64        `json:"normalized_score"`
	Mocked          bool           `json:"is_mocked"`
	Error           string         `json:"error,omitempty"`
}

// InvestigationReport fuses the TI findings for one alert into a risk
// score and verdict. Exactly one report is emitted per alert id.
type InvestigationReport struct {
	AlertID       string             `json:"alert_id"`
	TS            float64            `json:"ts"`
	IOCFindings   map[string]Finding `json:"ioc_findings"`
	Sources       []string           `json:"sources"`
	RiskScore     float64            `json:"risk_score"`
	Verdict       Verdict            `json:"verdict"`
	Uncertainty   float64            `json:"uncertainty"`
	Confidence    float64            `json:"confidence"`
	AlertSeverity Severity           `json:"alert_severity"`
	Notes         string             `json:"notes,omitempty"`
}

// ActionRecord is the audit record for one action execution or reversal.
// A revert emits a fresh record with Reverted="yes" and RevertOf pointing
// at the original action id; the original record is never rewritten.
type ActionRecord struct {
	ActionID    string         `json:"action_id"`
	AlertID     string         `json:"alert_id"`
	TS          float64        `json:"ts"`
	ActionType  string         `json:"action_type"`
	Target      string         `json:"target"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Result      string         `json:"result"`
	SafetyGate  Severity       `json:"safety_gate"`
	Reversible  string         `json:"reversible"`
	Reverted    string         `json:"reverted"`
	RevertToken string         `json:"revert_token,omitempty"`
	RevertOf    string         `json:"revert_of,omitempty"`
}

// NewID returns a fresh ULID string. ULIDs sort by creation time, which
// keeps id-ordered listings chronological.
func NewID() string {
	return ulid.Make().String()
}

// Now returns the current time as Unix seconds with sub-second precision,
// the timestamp format shared by every record.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
