package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atailh4n/sentryd/pkg/models"
)

// RecordDevice upserts a sighting of d.IP. A blank d.IP is ignored. A blank
// d.Name never overwrites a previously recorded non-blank name; every other
// field is replaced with the latest sighting's value.
func (s *Store) RecordDevice(ctx context.Context, d models.Device) error {
	if d.IP == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (ip, name, open_ports, risk) VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			open_ports = excluded.open_ports,
			risk = excluded.risk`,
		d.IP, d.Name, d.OpenPorts, d.Risk)
	if err != nil {
		return fmt.Errorf("store: record device: %w", err)
	}
	return nil
}

// SetDeviceScan updates the open-ports and risk fields for a recorded
// device, leaving its name untouched. An ip with no device row yet gets a
// new row with an empty name.
func (s *Store) SetDeviceScan(ctx context.Context, ip, openPorts, risk string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (ip, open_ports, risk) VALUES (?, ?, ?)
		 ON CONFLICT(ip) DO UPDATE SET open_ports = excluded.open_ports, risk = excluded.risk`,
		ip, openPorts, risk)
	if err != nil {
		return fmt.Errorf("store: set device scan: %w", err)
	}
	return nil
}

// ListDevices returns every recorded device, ordered by IP.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip, name, open_ports, risk FROM devices ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func scanDevices(rows *sql.Rows) ([]models.Device, error) {
	var out []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.IP, &d.Name, &d.OpenPorts, &d.Risk); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
