package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ErrDeviceNotFound is returned by FindDeviceByKey for unregistered keys.
var ErrDeviceNotFound = errors.New("store: device not found")

// Device is a registered beacon. The ingest core reads devices; they are
// created and disabled out-of-band.
type Device struct {
	ID           int64
	DeviceKey    uint32
	SerialNumber string
	Passphrase   string
	Enabled      bool
	LastSeenAt   *time.Time
}

// Position is one decoded beacon report, append-only.
type Position struct {
	DeviceID  int64
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64
	Speed     float64
	Heading   *float64 // nil when the wire value was the invalid marker

	Satellites int
	HDOP       float64
	Battery    int
	// GSMSignal holds the raw signed RSSI verbatim; firmware variants
	// disagree on signedness and the server does not normalize.
	GSMSignal    int32
	BitErrorRate int32
	StatusFlags  int
	IsMoving     bool
	Motion       int
	Temperature  int

	LAC      int
	CellID   int
	Operator string

	GPSValid    bool
	GPSAccuracy string

	InputState     string // "High" / "Low"
	OutputState    string // "Open" / "Closed"
	InputTriggered bool

	MessageType     string
	PacketNumber    int
	Geozone         *int // nil when the wire value is 0
	Alerts          *int // nil when the bitmap is empty
	FirmwareVersion string

	// RawData is the original 149-byte frame, kept for forensic replay.
	RawData []byte
}

// Store is the persistence port consumed by the ingest pipeline.
type Store interface {
	// FindDeviceByKey looks up a device by its 32-bit wire key.
	// Returns ErrDeviceNotFound for unknown keys.
	FindDeviceByKey(ctx context.Context, key uint32) (*Device, error)
	// InsertPosition appends one position row; durable on return.
	InsertPosition(ctx context.Context, p *Position) error
	// TouchDeviceLastSeen advances last_seen_at to t if t is later than the
	// stored value. Idempotent; concurrent sessions converge to the max.
	TouchDeviceLastSeen(ctx context.Context, deviceID int64, t time.Time) error
	Ping(ctx context.Context) error
	Close()
}

// Open dispatches on the URL scheme: postgres:// and postgresql:// use the
// pgx pool, sqlite:// and bare paths use the embedded SQLite driver.
func Open(ctx context.Context, url string, compressRaw bool, logger *zap.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url, compressRaw, logger)
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"), compressRaw, logger)
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("store: unsupported database url %q", url)
	default:
		return OpenSQLite(ctx, url, compressRaw, logger)
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

const zstdMagic = 0xFD2FB528

// CompressRaw zstd-compresses a raw frame for at-rest storage.
func CompressRaw(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, nil)
}

// DecompressRaw restores a stored raw frame, passing uncompressed data
// through unchanged. Compressed frames are recognized by the zstd magic,
// which cannot collide with a ciNet frame (start byte 0x24).
func DecompressRaw(stored []byte) ([]byte, error) {
	if len(stored) >= 4 && binary.LittleEndian.Uint32(stored[:4]) == zstdMagic {
		out, err := zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("store: decompress raw frame: %w", err)
		}
		return out, nil
	}
	return stored, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
