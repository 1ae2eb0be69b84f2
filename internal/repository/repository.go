// Package repository is the durable, append-only record of everything the
// pipeline emits. Every alert, investigation and action is written here
// before it is published; the bus carries copies, the repository owns the
// truth. Writes are idempotent on primary key so replayed payloads cost
// nothing.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/sentinelsec/sentinel/internal/metrics"
	"github.com/sentinelsec/sentinel/internal/models"
)

// ErrNotFound reports a lookup for a record that was never persisted.
var ErrNotFound = errors.New("repository: record not found")

// Repository stores pipeline records in SQLite.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path and ensures the schema
// exists. A store that cannot be opened is a fatal startup error for the
// caller.
func Open(path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create repository directory: %w", err)
		}
	}

	// Pragmas ride in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize repository schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Repository opened")
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		ts REAL NOT NULL,
		src_ip TEXT NOT NULL,
		dst_ip TEXT NOT NULL,
		proto TEXT NOT NULL,
		severity TEXT NOT NULL,
		model_score REAL NOT NULL,
		confidence REAL NOT NULL,
		sensor_id TEXT NOT NULL,
		features TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);

	CREATE TABLE IF NOT EXISTS investigations (
		alert_id TEXT PRIMARY KEY,
		ts REAL NOT NULL,
		risk_score REAL NOT NULL,
		verdict TEXT NOT NULL,
		uncertainty REAL NOT NULL,
		confidence REAL NOT NULL,
		alert_severity TEXT NOT NULL,
		sources TEXT NOT NULL,
		ioc_findings TEXT NOT NULL,
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_investigations_ts ON investigations(ts);

	CREATE TABLE IF NOT EXISTS actions (
		action_id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		ts REAL NOT NULL,
		action_type TEXT NOT NULL,
		target TEXT NOT NULL,
		parameters TEXT,
		result TEXT NOT NULL,
		safety_gate TEXT NOT NULL,
		reversible TEXT NOT NULL,
		reverted TEXT NOT NULL,
		revert_token TEXT,
		revert_of TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts);
	CREATE INDEX IF NOT EXISTS idx_actions_alert_id ON actions(alert_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveAlert persists an alert. A duplicate id is a silent no-op.
func (r *Repository) SaveAlert(ctx context.Context, a models.AlertEvent) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("encode alert features: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts
			(id, ts, src_ip, dst_ip, proto, severity, model_score, confidence, sensor_id, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TS, a.SrcIP, a.DstIP, a.Proto, string(a.Severity),
		a.ModelScore, a.Confidence, a.SensorID, string(features))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// SaveInvestigation persists a report, keyed by its alert id.
func (r *Repository) SaveInvestigation(ctx context.Context, rep models.InvestigationReport) error {
	sources, err := json.Marshal(rep.Sources)
	if err != nil {
		return fmt.Errorf("encode report sources: %w", err)
	}
	findings, err := json.Marshal(rep.IOCFindings)
	if err != nil {
		return fmt.Errorf("encode report findings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO investigations
			(alert_id, ts, risk_score, verdict, uncertainty, confidence, alert_severity, sources, ioc_findings, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.AlertID, rep.TS, rep.RiskScore, string(rep.Verdict), rep.Uncertainty,
		rep.Confidence, string(rep.AlertSeverity), string(sources), string(findings), rep.Notes)
	if err != nil {
		return fmt.Errorf("insert investigation: %w", err)
	}
	return nil
}

// SaveAction persists an action record.
func (r *Repository) SaveAction(ctx context.Context, a models.ActionRecord) error {
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Errorf("encode action parameters: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO actions
			(action_id, alert_id, ts, action_type, target, parameters, result,
			 safety_gate, reversible, reverted, revert_token, revert_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ActionID, a.AlertID, a.TS, a.ActionType, a.Target, string(params),
		a.Result, string(a.SafetyGate), a.Reversible, a.Reverted, a.RevertToken, a.RevertOf)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// ListAlerts returns up to limit alerts starting at offset, newest first,
// along with the total row count.
func (r *Repository) ListAlerts(ctx context.Context, limit, offset int) ([]models.AlertEvent, int, error) {
	total, err := r.CountAlerts(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ts, src_ip, dst_ip, proto, severity, model_score, confidence, sensor_id, features
		FROM alerts ORDER BY ts DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var items []models.AlertEvent
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// ListInvestigations returns up to limit reports starting at offset,
// newest first, along with the total row count.
func (r *Repository) ListInvestigations(ctx context.Context, limit, offset int) ([]models.InvestigationReport, int, error) {
	total, err := r.CountInvestigations(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT alert_id, ts, risk_score, verdict, uncertainty, confidence, alert_severity, sources, ioc_findings, notes
		FROM investigations ORDER BY ts DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list investigations: %w", err)
	}
	defer rows.Close()

	var items []models.InvestigationReport
	for rows.Next() {
		rep, err := scanInvestigation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}

// ListActions returns up to limit action records starting at offset,
// newest first, along with the total row count.
func (r *Repository) ListActions(ctx context.Context, limit, offset int) ([]models.ActionRecord, int, error) {
	total, err := r.CountActions(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_id, alert_id, ts, action_type, target, parameters, result,
		       safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions ORDER BY ts DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var items []models.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// GetAlert fetches one alert by id.
func (r *Repository) GetAlert(ctx context.Context, id string) (models.AlertEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, ts, src_ip, dst_ip, proto, severity, model_score, confidence, sensor_id, features
		FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlertEvent{}, ErrNotFound
	}
	return a, err
}

// GetInvestigation fetches the report for one alert id.
func (r *Repository) GetInvestigation(ctx context.Context, alertID string) (models.InvestigationReport, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT alert_id, ts, risk_score, verdict, uncertainty, confidence, alert_severity, sources, ioc_findings, notes
		FROM investigations WHERE alert_id = ?`, alertID)
	rep, err := scanInvestigation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InvestigationReport{}, ErrNotFound
	}
	return rep, err
}

// GetAction fetches one action record by id.
func (r *Repository) GetAction(ctx context.Context, actionID string) (models.ActionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT action_id, alert_id, ts, action_type, target, parameters, result,
		       safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions WHERE action_id = ?`, actionID)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ActionRecord{}, ErrNotFound
	}
	return a, err
}

// ActionsForAlert returns every action record referencing the alert,
// oldest first, for the incident report timeline.
func (r *Repository) ActionsForAlert(ctx context.Context, alertID string) ([]models.ActionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_id, alert_id, ts, action_type, target, parameters, result,
		       safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions WHERE alert_id = ? ORDER BY ts ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list actions for alert: %w", err)
	}
	defer rows.Close()

	var items []models.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// RevertFor returns the revert record referencing actionID, if one exists.
func (r *Repository) RevertFor(ctx context.Context, actionID string) (models.ActionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT action_id, alert_id, ts, action_type, target, parameters, result,
		       safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions WHERE revert_of = ? LIMIT 1`, actionID)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ActionRecord{}, ErrNotFound
	}
	return a, err
}

// CountAlerts returns the number of persisted alerts.
func (r *Repository) CountAlerts(ctx context.Context) (int, error) {
	return r.count(ctx, "alerts")
}

// CountInvestigations returns the number of persisted reports.
func (r *Repository) CountInvestigations(ctx context.Context) (int, error) {
	return r.count(ctx, "investigations")
}

// CountActions returns the number of persisted action records.
func (r *Repository) CountActions(ctx context.Context) (int, error) {
	return r.count(ctx, "actions")
}

func (r *Repository) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// CountAlertsBySeverity groups persisted alerts by severity band.
func (r *Repository) CountAlertsBySeverity(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, "SELECT severity, COUNT(*) FROM alerts GROUP BY severity")
}

// CountInvestigationsByVerdict groups persisted reports by verdict.
func (r *Repository) CountInvestigationsByVerdict(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, "SELECT verdict, COUNT(*) FROM investigations GROUP BY verdict")
}

// CountActionsByType groups persisted action records by action type.
func (r *Repository) CountActionsByType(ctx context.Context) (map[string]int, error) {
	return r.groupCount(ctx, "SELECT action_type, COUNT(*) FROM actions GROUP BY action_type")
}

func (r *Repository) groupCount(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan group count: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

// Close closes the underlying store.
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close repository: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (models.AlertEvent, error) {
	var a models.AlertEvent
	var severity, features string
	if err := s.Scan(&a.ID, &a.TS, &a.SrcIP, &a.DstIP, &a.Proto, &severity,
		&a.ModelScore, &a.Confidence, &a.SensorID, &features); err != nil {
		return a, err
	}
	a.Severity = models.Severity(severity)
	if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
		return a, fmt.Errorf("decode alert features: %w", err)
	}
	return a, nil
}

func scanInvestigation(s scanner) (models.InvestigationReport, error) {
	var rep models.InvestigationReport
	var verdict, severity, sources, findings string
	var notes sql.NullString
	if err := s.Scan(&rep.AlertID, &rep.TS, &rep.RiskScore, &verdict, &rep.Uncertainty,
		&rep.Confidence, &severity, &sources, &findings, &notes); err != nil {
		return rep, err
	}
	rep.Verdict = models.Verdict(verdict)
	rep.AlertSeverity = models.Severity(severity)
	rep.Notes = notes.String
	if err := json.Unmarshal([]byte(sources), &rep.Sources); err != nil {
		return rep, fmt.Errorf("decode report sources: %w", err)
	}
	if err := json.Unmarshal([]byte(findings), &rep.IOCFindings); err != nil {
		return rep, fmt.Errorf("decode report findings: %w", err)
	}
	return rep, nil
}

func scanAction(s scanner) (models.ActionRecord, error) {
	var a models.ActionRecord
	var gate string
	var params, token, revertOf sql.NullString
	if err := s.Scan(&a.ActionID, &a.AlertID, &a.TS, &a.ActionType, &a.Target, &params,
		&a.Result, &gate, &a.Reversible, &a.Reverted, &token, &revertOf); err != nil {
		return a, err
	}
	a.SafetyGate = models.Severity(gate)
	a.RevertToken = token.String
	a.RevertOf = revertOf.String
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &a.Parameters); err != nil {
			return a, fmt.Errorf("decode action parameters: %w", err)
		}
	}
	return a, nil
}

// SaveRetry runs save and retries it once on failure. A second failure is
// logged at ERROR with the write-failure counter bumped, and the caller is
// expected to drop the event.
func SaveRetry(ctx context.Context, table string, save func() error) error {
	err := save()
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("table", table).Msg("Repository write failed; retrying once")
	if err = save(); err == nil {
		return nil
	}
	metrics.RepositoryWriteFailuresTotal.WithLabelValues(table).Inc()
	log.Error().Err(err).Str("table", table).Msg("Repository write failed after retry; dropping event")
	return err
}
