package store

import (
	"context"
	"database/sql"
	"fmt"
	"html"

	"github.com/atailh4n/sentryd/pkg/models"
)

// UpsertTrustedIP marks ip as exempt from automatic blocking. note is
// HTML-escaped before storage: trusted-IP notes are expected to surface in
// an operator dashboard and are treated as untrusted input, unlike alert
// labels which are rendered as plain text.
func (s *Store) UpsertTrustedIP(ctx context.Context, ip, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trusted (ip, note) VALUES (?, ?)
		 ON CONFLICT(ip) DO UPDATE SET note = excluded.note`,
		ip, html.EscapeString(note))
	if err != nil {
		return fmt.Errorf("store: upsert trusted ip: %w", err)
	}
	return nil
}

// RemoveTrustedIP revokes ip's exemption.
func (s *Store) RemoveTrustedIP(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM trusted WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("store: remove trusted ip: %w", err)
	}
	return nil
}

// IsTrusted reports whether ip currently holds an exemption.
func (s *Store) IsTrusted(ctx context.Context, ip string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trusted WHERE ip = ?`, ip).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: is trusted: %w", err)
	}
	return count > 0, nil
}

// ListTrusted returns every trusted-IP entry, ordered by IP.
func (s *Store) ListTrusted(ctx context.Context) ([]models.TrustedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip, note FROM trusted ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("store: list trusted: %w", err)
	}
	defer rows.Close()
	return scanTrusted(rows)
}

func scanTrusted(rows *sql.Rows) ([]models.TrustedEntry, error) {
	var out []models.TrustedEntry
	for rows.Next() {
		var t models.TrustedEntry
		if err := rows.Scan(&t.IP, &t.Note); err != nil {
			return nil, fmt.Errorf("store: scan trusted: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
