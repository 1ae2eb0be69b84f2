// Package response turns investigation reports into containment actions.
// Decisions come from a severity x risk matrix, pass through an ordered
// safety gate and execute with per-target serialization, so two actions
// never race against the same host.
package response

import (
	"fmt"

	"github.com/sentinelsec/sentinel/internal/actions"
	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/models"
)

var severityBands = []models.Severity{
	models.SeverityLow,
	models.SeverityMedium,
	models.SeverityHigh,
}

// Matrix maps (alert severity, risk bucket) to an action type name.
type Matrix struct {
	cells      map[models.Severity]map[models.Severity]string
	thresholds config.VerdictThresholds
}

// NewMatrix builds the decision matrix from config. Every cell must name
// an action registered in reg; a hole or an unknown name is a startup
// failure, never a runtime fallback.
func NewMatrix(cfg map[string]map[string]string, thresholds config.VerdictThresholds, reg *actions.Registry) (*Matrix, error) {
	cells := make(map[models.Severity]map[models.Severity]string, len(severityBands))
	for _, sev := range severityBands {
		row, ok := cfg[string(sev)]
		if !ok {
			return nil, fmt.Errorf("decision_matrix missing row %q", sev)
		}
		cells[sev] = make(map[models.Severity]string, len(severityBands))
		for _, risk := range severityBands {
			name, ok := row[string(risk)]
			if !ok {
				return nil, fmt.Errorf("decision_matrix[%s] missing column %q", sev, risk)
			}
			if !reg.Has(name) {
				return nil, fmt.Errorf("decision_matrix[%s][%s] names unregistered action %q", sev, risk, name)
			}
			cells[sev][risk] = name
		}
	}
	return &Matrix{cells: cells, thresholds: thresholds}, nil
}

// RiskBucket maps a fused risk score onto the same three bands as alert
// severity, using the verdict thresholds inclusive-high.
func (m *Matrix) RiskBucket(risk float64) models.Severity {
	switch {
	case risk >= m.thresholds.Malicious:
		return models.SeverityHigh
	case risk >= m.thresholds.Suspicious:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Choose returns the matrix cell for a report. Unknown severities map to
// low rather than failing, since wire input is not trusted.
func (m *Matrix) Choose(report models.InvestigationReport) string {
	sev := report.AlertSeverity
	if sev.Rank() < 0 {
		sev = models.SeverityLow
	}
	return m.cells[sev][m.RiskBucket(report.RiskScore)]
}
