package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/metrics"
)

// Postgres is the production Store backend. The schema is owned by the
// admin service; this backend assumes the devices and positions tables
// exist.
type Postgres struct {
	pool        *pgxpool.Pool
	compressRaw bool
	logger      *zap.Logger
}

func OpenPostgres(ctx context.Context, dsn string, compressRaw bool, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parsing DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	return &Postgres{pool: pool, compressRaw: compressRaw, logger: logger}, nil
}

func (s *Postgres) FindDeviceByKey(ctx context.Context, key uint32) (*Device, error) {
	start := time.Now()
	d := &Device{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, device_key, serial_number, passphrase, enabled, last_seen_at
		FROM devices WHERE device_key = $1`,
		int64(key),
	).Scan(&d.ID, &d.DeviceKey, &d.SerialNumber, &d.Passphrase, &d.Enabled, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("store: find device: %w", err)
	}
	metrics.StoreWriteDuration.WithLabelValues("find_device").Observe(time.Since(start).Seconds())
	return d, nil
}

func (s *Postgres) InsertPosition(ctx context.Context, p *Position) error {
	start := time.Now()

	raw := p.RawData
	if s.compressRaw && raw != nil {
		raw = CompressRaw(raw)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (device_id, timestamp, latitude, longitude, altitude,
			speed, heading, satellites, hdop, battery, gsm_signal, bit_error_rate,
			status_flags, is_moving, motion, temperature, lac, cell_id, operator,
			gps_valid, gps_accuracy, input_state, output_state, input_triggered,
			message_type, packet_number, geozone, alerts, firmware_version,
			raw_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29,
			$30, now())`,
		p.DeviceID, p.Timestamp.UTC(), p.Latitude, p.Longitude, p.Altitude,
		p.Speed, p.Heading, p.Satellites, p.HDOP, p.Battery, p.GSMSignal,
		p.BitErrorRate, p.StatusFlags, p.IsMoving, p.Motion, p.Temperature,
		p.LAC, p.CellID, nullableString(p.Operator), p.GPSValid, p.GPSAccuracy,
		p.InputState, p.OutputState, p.InputTriggered, p.MessageType,
		p.PacketNumber, p.Geozone, p.Alerts, p.FirmwareVersion, raw,
	)
	if err != nil {
		return fmt.Errorf("store: insert position: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("insert_position").Observe(time.Since(start).Seconds())
	metrics.PositionsInsertedTotal.Inc()
	return nil
}

func (s *Postgres) TouchDeviceLastSeen(ctx context.Context, deviceID int64, t time.Time) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET last_seen_at = GREATEST(COALESCE(last_seen_at, 'epoch'::timestamptz), $2)
		WHERE id = $1`,
		deviceID, t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: touch last seen: %w", err)
	}
	metrics.StoreWriteDuration.WithLabelValues("touch_last_seen").Observe(time.Since(start).Seconds())
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}
