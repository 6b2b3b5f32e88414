package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atailh4n/sentryd/pkg/idutil"
	"github.com/atailh4n/sentryd/pkg/models"
)

// AddAlert assigns a.ID and a.Ts if unset and persists a.
func (s *Store) AddAlert(ctx context.Context, a models.Alert) (models.Alert, error) {
	if a.ID == "" {
		a.ID = idutil.NewID()
	}
	if a.Ts.IsZero() {
		a.Ts = idutil.NowUTC()
	}
	if err := s.InsertAlert(ctx, a); err != nil {
		return models.Alert{}, err
	}
	return a, nil
}

// InsertAlert writes a fully-formed alert row as-is.
func (s *Store) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, src_ip, label, severity, kind) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, idutil.FormatRFC3339(a.Ts), a.SrcIP, a.Label, string(a.Severity), string(a.Kind))
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns up to limit alerts ordered newest-first, using
// keyset pagination: pass the ts/id of the last row from the previous
// page as beforeTs/beforeID to continue, or zero values to start from
// the newest row.
func (s *Store) ListAlerts(ctx context.Context, limit int, beforeTs string, beforeID string) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if beforeTs == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, ts, src_ip, label, severity, kind FROM alerts ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, ts, src_ip, label, severity, kind FROM alerts
			 WHERE (ts < ?) OR (ts = ? AND id < ?)
			 ORDER BY ts DESC, id DESC LIMIT ?`, beforeTs, beforeTs, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// ListAlertsBySource returns alerts raised for srcIP, newest-first.
func (s *Store) ListAlertsBySource(ctx context.Context, srcIP string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, src_ip, label, severity, kind FROM alerts WHERE src_ip = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		srcIP, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts by source: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]models.Alert, error) {
	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var ts, severity, kind string
		if err := rows.Scan(&a.ID, &ts, &a.SrcIP, &a.Label, &severity, &kind); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		parsed, err := idutil.ParseRFC3339(ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse alert ts: %w", err)
		}
		a.Ts = parsed
		a.Severity = models.Severity(severity)
		a.Kind = models.AlertKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}
