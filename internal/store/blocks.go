package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atailh4n/sentryd/pkg/idutil"
	"github.com/atailh4n/sentryd/pkg/models"
)

// AddBlock assigns b.ID and b.Ts if unset and persists b.
func (s *Store) AddBlock(ctx context.Context, b models.BlockAction) (models.BlockAction, error) {
	if b.ID == "" {
		b.ID = idutil.NewID()
	}
	if b.Ts.IsZero() {
		b.Ts = idutil.NowUTC()
	}
	if err := s.InsertBlock(ctx, b); err != nil {
		return models.BlockAction{}, err
	}
	return b, nil
}

// InsertBlock writes a fully-formed block/unblock/allow history row.
func (s *Store) InsertBlock(ctx context.Context, b models.BlockAction) error {
	var expires *string
	if b.ExpiresAt != nil {
		formatted := idutil.FormatRFC3339(*b.ExpiresAt)
		expires = &formatted
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocks (id, ts, ip, action, reason, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, idutil.FormatRFC3339(b.Ts), b.IP, string(b.Action), b.Reason, expires)
	if err != nil {
		return fmt.Errorf("store: insert block: %w", err)
	}
	return nil
}

// DeleteActionByIP removes every history row for ip, whatever its action.
// Monitor's block path calls it before writing a fresh block row, so that
// re-blocking an IP leaves a single current block row for it.
func (s *Store) DeleteActionByIP(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("store: delete action by ip: %w", err)
	}
	return nil
}

// ListBlocks returns up to limit block-history rows, newest first.
func (s *Store) ListBlocks(ctx context.Context, limit int) ([]models.BlockAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, ip, action, reason, expires_at FROM blocks ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list blocks: %w", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

// LatestActionByIP returns the most recent history row for ip, or
// (zero, false) if ip has no history.
func (s *Store) LatestActionByIP(ctx context.Context, ip string) (models.BlockAction, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, ip, action, reason, expires_at FROM blocks WHERE ip = ? ORDER BY ts DESC, rowid DESC LIMIT 1`, ip)
	if err != nil {
		return models.BlockAction{}, false, fmt.Errorf("store: latest action by ip: %w", err)
	}
	defer rows.Close()
	list, err := scanBlocks(rows)
	if err != nil {
		return models.BlockAction{}, false, err
	}
	if len(list) == 0 {
		return models.BlockAction{}, false, nil
	}
	return list[0], true, nil
}

// ExpireBans inserts an auto-expiry unblock row for every IP whose most
// recent action is still "block" and whose expires_at has passed as of
// now. Returns the IPs that were unblocked.
func (s *Store) ExpireBans(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT b.ip, b.ts FROM blocks b
			INNER JOIN (
				SELECT ip, MAX(ts) AS max_ts FROM blocks GROUP BY ip
			) latest ON b.ip = latest.ip AND b.ts = latest.max_ts
			WHERE b.action = ? AND b.expires_at IS NOT NULL AND b.expires_at <= ?`,
			string(models.ActionBlock), idutil.FormatRFC3339(now))
		if err != nil {
			return fmt.Errorf("query expiring blocks: %w", err)
		}
		type candidate struct{ ip, ts string }
		var candidates []candidate
		for rows.Next() {
			var ip, ts string
			if err := rows.Scan(&ip, &ts); err != nil {
				rows.Close()
				return fmt.Errorf("scan expiring block: %w", err)
			}
			candidates = append(candidates, candidate{ip: ip, ts: ts})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		// Each insert runs under its own savepoint so one malformed IP
		// (e.g. a value that trips a future CHECK constraint) rolls back
		// in isolation instead of losing every other IP's expiry in the
		// same sweep.
		for i, c := range candidates {
			ip := c.ip
			// Timestamps are stored at second precision; the unblock row is
			// stamped strictly after the block it supersedes so that it reads
			// as the IP's latest action.
			stamp := now.UTC().Truncate(time.Second)
			if blockTs, err := idutil.ParseRFC3339(c.ts); err == nil && !stamp.After(blockTs) {
				stamp = blockTs.Add(time.Second)
			}
			spErr := withSavepoint(tx, fmt.Sprintf("expire_%d", i), func() error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO blocks (id, ts, ip, action, reason, expires_at) VALUES (?, ?, ?, ?, ?, NULL)`,
					idutil.NewID(), idutil.FormatRFC3339(stamp), ip, string(models.ActionUnblock), "auto-expired")
				return err
			})
			if spErr != nil {
				return fmt.Errorf("insert auto-expiry for %s: %w", ip, spErr)
			}
			expired = append(expired, ip)
		}
		return nil
	})
	return expired, err
}

func scanBlocks(rows *sql.Rows) ([]models.BlockAction, error) {
	var out []models.BlockAction
	for rows.Next() {
		var b models.BlockAction
		var ts, action string
		var expiresAt *string
		if err := rows.Scan(&b.ID, &ts, &b.IP, &action, &b.Reason, &expiresAt); err != nil {
			return nil, fmt.Errorf("store: scan block: %w", err)
		}
		parsed, err := idutil.ParseRFC3339(ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse block ts: %w", err)
		}
		b.Ts = parsed
		b.Action = models.BlockActionType(action)
		if expiresAt != nil {
			t, err := idutil.ParseRFC3339(*expiresAt)
			if err != nil {
				return nil, fmt.Errorf("store: parse block expires_at: %w", err)
			}
			b.ExpiresAt = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
