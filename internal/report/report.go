// Package report renders a single-incident PDF from the persisted alert,
// its investigation and the action timeline.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/sentinelsec/sentinel/internal/models"
)

// Builder renders incident reports. The zero value is ready to use.
type Builder struct{}

// NewBuilder returns a report builder.
func NewBuilder() *Builder { return &Builder{} }

// Build renders the incident PDF for one alert. investigation may be the
// zero value when none was persisted yet; records may be empty.
func (b *Builder) Build(alert models.AlertEvent, investigation models.InvestigationReport, records []models.ActionRecord) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Incident Report "+alert.ID, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Incident Report", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(0, 5, fmt.Sprintf("Alert %s, generated %s", alert.ID,
		time.Now().UTC().Format(time.RFC3339)), "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	b.alertSection(pdf, alert)
	if investigation.AlertID != "" {
		b.investigationSection(pdf, investigation)
	}
	if len(records) > 0 {
		b.actionSection(pdf, records)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func sectionHeader(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
}

func kvRow(pdf *fpdf.Fpdf, key, value string) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(50, 6, key, "1", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, value, "1", 1, "L", false, 0, "")
}

func (b *Builder) alertSection(pdf *fpdf.Fpdf, alert models.AlertEvent) {
	sectionHeader(pdf, "Alert")
	kvRow(pdf, "Time", formatTS(alert.TS))
	kvRow(pdf, "Source", alert.SrcIP)
	kvRow(pdf, "Destination", alert.DstIP)
	kvRow(pdf, "Protocol", alert.Proto)
	kvRow(pdf, "Severity", string(alert.Severity))
	kvRow(pdf, "Model score", fmt.Sprintf("%.3f", alert.ModelScore))
	kvRow(pdf, "Confidence", fmt.Sprintf("%.3f", alert.Confidence))
	kvRow(pdf, "Sensor", alert.SensorID)
	pdf.Ln(4)
}

func (b *Builder) investigationSection(pdf *fpdf.Fpdf, inv models.InvestigationReport) {
	sectionHeader(pdf, "Investigation")
	kvRow(pdf, "Risk score", fmt.Sprintf("%.3f", inv.RiskScore))
	kvRow(pdf, "Verdict", string(inv.Verdict))
	kvRow(pdf, "Uncertainty", fmt.Sprintf("%.3f", inv.Uncertainty))
	kvRow(pdf, "Confidence", fmt.Sprintf("%.3f", inv.Confidence))
	if inv.Notes != "" {
		kvRow(pdf, "Notes", inv.Notes)
	}
	pdf.Ln(2)

	if len(inv.IOCFindings) > 0 {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 6, "Provider", "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, "Score", "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, "Mocked", "1", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, "Error", "1", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)

		providers := make([]string, 0, len(inv.IOCFindings))
		for name := range inv.IOCFindings {
			providers = append(providers, name)
		}
		sort.Strings(providers)
		for _, name := range providers {
			f := inv.IOCFindings[name]
			score := "-"
			if f.Error == "" {
				score = fmt.Sprintf("%.3f", f.NormalizedScore)
			}
			pdf.CellFormat(40, 6, name, "1", 0, "L", false, 0, "")
			pdf.CellFormat(30, 6, score, "1", 0, "L", false, 0, "")
			pdf.CellFormat(25, 6, fmt.Sprintf("%t", f.Mocked), "1", 0, "L", false, 0, "")
			pdf.CellFormat(0, 6, f.Error, "1", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(4)
}

func (b *Builder) actionSection(pdf *fpdf.Fpdf, records []models.ActionRecord) {
	sectionHeader(pdf, "Response Timeline")
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(38, 6, "Time", "1", 0, "L", false, 0, "")
	pdf.CellFormat(38, 6, "Action", "1", 0, "L", false, 0, "")
	pdf.CellFormat(35, 6, "Target", "1", 0, "L", false, 0, "")
	pdf.CellFormat(45, 6, "Result", "1", 0, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Gate", "1", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)

	for _, rec := range records {
		result := rec.Result
		if rec.Reverted == "yes" && rec.RevertOf != "" {
			result = "revert: " + result
		}
		pdf.CellFormat(38, 6, formatTS(rec.TS), "1", 0, "L", false, 0, "")
		pdf.CellFormat(38, 6, rec.ActionType, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, rec.Target, "1", 0, "L", false, 0, "")
		pdf.CellFormat(45, 6, result, "1", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, gateTrace(rec), "1", 1, "L", false, 0, "")
	}
}

func gateTrace(rec models.ActionRecord) string {
	raw, ok := rec.Parameters["gate_trace"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func formatTS(ts float64) string {
	if ts == 0 {
		return "-"
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format("2006-01-02 15:04:05")
}
