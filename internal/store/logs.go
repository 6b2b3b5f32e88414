package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atailh4n/sentryd/pkg/idutil"
	"github.com/atailh4n/sentryd/pkg/models"
)

// AddLogEvent assigns e.ID and e.Ts if unset and persists e.
func (s *Store) AddLogEvent(ctx context.Context, e models.LogEvent) (models.LogEvent, error) {
	if e.ID == "" {
		e.ID = idutil.NewID()
	}
	if e.Ts.IsZero() {
		e.Ts = idutil.NowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_events (id, ts, level, source, message, src_ip) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, idutil.FormatRFC3339(e.Ts), e.Level, e.Source, e.Message, e.SrcIP)
	if err != nil {
		return models.LogEvent{}, fmt.Errorf("store: add log event: %w", err)
	}
	return e, nil
}

// LogEventFilter narrows ListLogEventsFiltered. A zero-value field is
// treated as unset and does not constrain the query.
type LogEventFilter struct {
	Level  string
	Source string
	SrcIP  string
	Limit  int
}

// ListLogEventsFiltered returns log events matching f, newest first.
func (s *Store) ListLogEventsFiltered(ctx context.Context, f LogEventFilter) ([]models.LogEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, ts, level, source, message, src_ip FROM log_events WHERE 1=1`
	var args []any
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.SrcIP != "" {
		query += ` AND src_ip = ?`
		args = append(args, f.SrcIP)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list log events: %w", err)
	}
	defer rows.Close()
	return scanLogEvents(rows)
}

func scanLogEvents(rows *sql.Rows) ([]models.LogEvent, error) {
	var out []models.LogEvent
	for rows.Next() {
		var e models.LogEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Source, &e.Message, &e.SrcIP); err != nil {
			return nil, fmt.Errorf("store: scan log event: %w", err)
		}
		parsed, err := idutil.ParseRFC3339(ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse log event ts: %w", err)
		}
		e.Ts = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}
