package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/beacon-track/trackserver/internal/metrics"
)

// SQLite is the dev-default Store backend, also used by tests. Unlike the
// Postgres backend it owns its schema and creates it at open.
type SQLite struct {
	db          *sql.DB
	compressRaw bool
	logger      *zap.Logger
}

// Timestamps are stored as UTC RFC3339 text at second resolution, so string
// comparison orders them and the MAX-merge touch works lexicographically.
const timeLayout = time.RFC3339

func OpenSQLite(ctx context.Context, path string, compressRaw bool, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %s: %w", path, err)
	}
	// The driver serializes access through a single connection; the ingest
	// pipeline's per-dispatch sessions do not need more.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, compressRaw: compressRaw, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			device_key    INTEGER NOT NULL UNIQUE,
			serial_number TEXT NOT NULL,
			passphrase    TEXT NOT NULL,
			enabled       INTEGER NOT NULL DEFAULT 1,
			last_seen_at  TEXT
		);
		CREATE TABLE IF NOT EXISTS positions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id        INTEGER NOT NULL REFERENCES devices(id),
			timestamp        TEXT NOT NULL,
			latitude         REAL NOT NULL,
			longitude        REAL NOT NULL,
			altitude         REAL NOT NULL DEFAULT 0,
			speed            REAL,
			heading          REAL,
			satellites       INTEGER,
			hdop             REAL,
			battery          INTEGER,
			gsm_signal       INTEGER,
			bit_error_rate   INTEGER,
			status_flags     INTEGER,
			is_moving        INTEGER,
			motion           INTEGER,
			temperature      INTEGER,
			lac              INTEGER,
			cell_id          INTEGER,
			operator         TEXT,
			gps_valid        INTEGER,
			gps_accuracy     TEXT,
			input_state      TEXT,
			output_state     TEXT,
			input_triggered  INTEGER,
			message_type     TEXT,
			packet_number    INTEGER,
			geozone          INTEGER,
			alerts           INTEGER,
			firmware_version TEXT,
			raw_data         BLOB,
			created_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_device_time
			ON positions (device_id, timestamp);`)
	if err != nil {
		return fmt.Errorf("store: ensure sqlite schema: %w", err)
	}
	return nil
}

// CreateDevice registers a device and returns its row id. Device management
// belongs to the admin surface; this exists for the dev backend and test
// fixtures only.
func (s *SQLite) CreateDevice(ctx context.Context, d *Device) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_key, serial_number, passphrase, enabled)
		VALUES (?, ?, ?, ?)`,
		int64(d.DeviceKey), d.SerialNumber, d.Passphrase, d.Enabled,
	)
	if err != nil {
		return 0, fmt.Errorf("store: create device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create device id: %w", err)
	}
	d.ID = id
	return id, nil
}

func (s *SQLite) FindDeviceByKey(ctx context.Context, key uint32) (*Device, error) {
	d := &Device{}
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_key, serial_number, passphrase, enabled, last_seen_at
		FROM devices WHERE device_key = ?`,
		int64(key),
	).Scan(&d.ID, &d.DeviceKey, &d.SerialNumber, &d.Passphrase, &d.Enabled, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("store: find device: %w", err)
	}
	if lastSeen.Valid {
		t, err := time.Parse(timeLayout, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse last_seen_at: %w", err)
		}
		d.LastSeenAt = &t
	}
	return d, nil
}

func (s *SQLite) InsertPosition(ctx context.Context, p *Position) error {
	start := time.Now()

	raw := p.RawData
	if s.compressRaw && raw != nil {
		raw = CompressRaw(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (device_id, timestamp, latitude, longitude, altitude,
			speed, heading, satellites, hdop, battery, gsm_signal, bit_error_rate,
			status_flags, is_moving, motion, temperature, lac, cell_id, operator,
			gps_valid, gps_accuracy, input_state, output_state, input_triggered,
			message_type, packet_number, geozone, alerts, firmware_version,
			raw_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.DeviceID, p.Timestamp.UTC().Format(timeLayout), p.Latitude, p.Longitude,
		p.Altitude, p.Speed, p.Heading, p.Satellites, p.HDOP, p.Battery,
		p.GSMSignal, p.BitErrorRate, p.StatusFlags, p.IsMoving, p.Motion,
		p.Temperature, p.LAC, p.CellID, nullableString(p.Operator), p.GPSValid,
		p.GPSAccuracy, p.InputState, p.OutputState, p.InputTriggered,
		p.MessageType, p.PacketNumber, p.Geozone, p.Alerts, p.FirmwareVersion,
		raw, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: insert position: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("insert_position").Observe(time.Since(start).Seconds())
	metrics.PositionsInsertedTotal.Inc()
	return nil
}

func (s *SQLite) TouchDeviceLastSeen(ctx context.Context, deviceID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET last_seen_at = MAX(COALESCE(last_seen_at, '1970-01-01T00:00:00Z'), ?)
		WHERE id = ?`,
		t.UTC().Format(timeLayout), deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: touch last seen: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil && s.logger != nil {
		s.logger.Warn("closing sqlite", zap.Error(err))
	}
}
