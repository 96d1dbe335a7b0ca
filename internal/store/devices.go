package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// GetDeviceByExternalID looks up a device by its "ESP_<hex8>"
// identifier. Returns (nil, nil) when the device is not registered.
func (s *Store) GetDeviceByExternalID(ctx context.Context, deviceID string) (*model.Device, error) {
	var d *model.Device
	err := s.guard(func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, device_id, zone_id, subzone_id, kaiser_id, last_seen,
			       state, uptime_sec, heap_free, wifi_rssi
			FROM devices WHERE device_id = ?
		`, deviceID)

		dev, err := scanDevice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		d = dev
		return nil
	})
	return d, err
}

// CreateDevice registers a device. Auto-registration is disabled in
// the ingest path; this is called from explicit provisioning flows
// and tests.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (id, device_id, zone_id, subzone_id, kaiser_id,
			                     last_seen, state, uptime_sec, heap_free, wifi_rssi)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.DeviceID, nullStr(d.ZoneID), nullStr(d.SubzoneID), d.KaiserID,
			fmtTime(d.LastSeen), string(d.Status), d.UptimeSec, d.HeapFree, d.WifiRSSI)
		return err
	})
}

// UpdateHeartbeat atomically upserts a device's liveness telemetry.
// Only known devices are touched; the caller enforces the
// no-auto-registration policy via GetDeviceByExternalID first.
func (s *Store) UpdateHeartbeat(ctx context.Context, deviceID string, hb model.Heartbeat, seen time.Time) error {
	return s.guard(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE devices
			SET last_seen = ?, state = ?, uptime_sec = ?, heap_free = ?, wifi_rssi = ?,
			    zone_id = COALESCE(NULLIF(?, ''), zone_id)
			WHERE device_id = ?
		`, fmtTime(seen), hb.State, hb.Uptime, hb.HeapFree, hb.WifiRSSI,
			hb.ZoneID, deviceID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", model.ErrUnknownDevice, deviceID)
		}
		return nil
	})
}

// SetDeviceState records a state transition (e.g. LWT-driven offline).
func (s *Store) SetDeviceState(ctx context.Context, deviceID, state string) error {
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE devices SET state = ? WHERE device_id = ?`, state, deviceID)
		return err
	})
}

// ListDevices returns all registered devices.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	var out []*model.Device
	err := s.guard(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, device_id, zone_id, subzone_id, kaiser_id, last_seen,
			       state, uptime_sec, heap_free, wifi_rssi
			FROM devices ORDER BY device_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var d model.Device
	var zone, subzone, lastSeen, state sql.NullString
	var uptime, heap sql.NullInt64
	var rssi sql.NullInt64

	err := row.Scan(&d.ID, &d.DeviceID, &zone, &subzone, &d.KaiserID,
		&lastSeen, &state, &uptime, &heap, &rssi)
	if err != nil {
		return nil, err
	}

	d.ZoneID = zone.String
	d.SubzoneID = subzone.String
	d.LastSeen = parseTime(lastSeen)
	d.Status = model.DeviceStatus(state.String)
	d.UptimeSec = uptime.Int64
	d.HeapFree = heap.Int64
	d.WifiRSSI = int(rssi.Int64)
	return &d, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
