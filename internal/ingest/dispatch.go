package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/cinet"
	"github.com/beacon-track/trackserver/internal/hub"
	"github.com/beacon-track/trackserver/internal/metrics"
	"github.com/beacon-track/trackserver/internal/store"
)

// Publisher receives every accepted position for subscriber fan-out.
type Publisher interface {
	PublishPosition(deviceID int64, ev *cinet.ParsedEvent)
}

// Feed receives every accepted position's envelope for external export.
// Implementations must not block the ingest path.
type Feed interface {
	Produce(deviceID int64, payload []byte)
}

// Dispatcher runs the per-frame pipeline: header and outer CRC checks,
// device lookup, decrypt+decode, persist, fan out. One Dispatcher is shared
// by all connections; it has no per-frame mutable state.
type Dispatcher struct {
	store  store.Store
	parser *cinet.Parser
	pub    Publisher
	feed   Feed // optional
	logger *zap.Logger
}

func NewDispatcher(st store.Store, parser *cinet.Parser, pub Publisher, feed Feed, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		parser: parser,
		pub:    pub,
		feed:   feed,
		logger: logger,
	}
}

// Dispatch processes one 149-byte candidate frame. Every reject disposition
// drops the frame and keeps the connection; nothing here is fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) {
	if err := cinet.ValidateHeader(frame); err != nil {
		metrics.FramesTotal.WithLabelValues("bad_header").Inc()
		d.logger.Debug("dropping frame with bad header", zap.Error(err))
		return
	}
	if err := cinet.ValidateOuterCRC(frame); err != nil {
		metrics.FramesTotal.WithLabelValues("bad_outer_crc").Inc()
		d.logger.Debug("dropping frame with bad outer crc", zap.Error(err))
		return
	}

	key := cinet.ExtractDeviceKey(frame)

	device, err := d.store.FindDeviceByKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			metrics.FramesTotal.WithLabelValues("unknown_device").Inc()
			d.logger.Warn("frame from unknown device", zap.Uint32("device_key", key))
			return
		}
		metrics.FramesTotal.WithLabelValues("persistence_failed").Inc()
		d.logger.Error("device lookup failed", zap.Uint32("device_key", key), zap.Error(err))
		return
	}
	if !device.Enabled {
		metrics.FramesTotal.WithLabelValues("device_disabled").Inc()
		d.logger.Debug("frame from disabled device",
			zap.Uint32("device_key", key),
			zap.String("serial", device.SerialNumber),
		)
		return
	}

	ev, err := d.parser.Parse(frame, device.Passphrase)
	if err != nil {
		if errors.Is(err, cinet.ErrBadInnerCRC) {
			metrics.FramesTotal.WithLabelValues("bad_inner_crc").Inc()
			d.logger.Warn("inner crc mismatch, passphrase likely wrong",
				zap.Uint32("device_key", key),
				zap.String("serial", device.SerialNumber),
			)
			return
		}
		metrics.FramesTotal.WithLabelValues("parse_failed").Inc()
		d.logger.Warn("frame parse failed", zap.Uint32("device_key", key), zap.Error(err))
		return
	}
	if ev.TimestampInvalid {
		d.logger.Warn("gps timestamp out of range, substituted epoch",
			zap.Uint32("device_key", key),
			zap.Uint8("sequence", ev.Sequence),
		)
	}

	pos := positionFromEvent(device.ID, ev)
	if err := d.store.InsertPosition(ctx, pos); err != nil {
		metrics.FramesTotal.WithLabelValues("persistence_failed").Inc()
		d.logger.Error("position insert failed",
			zap.Uint32("device_key", key),
			zap.Error(err),
		)
		return
	}
	if err := d.store.TouchDeviceLastSeen(ctx, device.ID, time.Now().UTC()); err != nil {
		// The position is already durable; a failed touch is not a drop.
		d.logger.Error("last seen update failed",
			zap.Int64("device_id", device.ID),
			zap.Error(err),
		)
	}

	metrics.FramesTotal.WithLabelValues("accepted").Inc()
	d.logger.Debug("position accepted",
		zap.Uint32("device_key", key),
		zap.Float64("lat", ev.Latitude),
		zap.Float64("lon", ev.Longitude),
		zap.Uint8("sequence", ev.Sequence),
	)

	d.pub.PublishPosition(device.ID, ev)

	if d.feed != nil {
		// The export feed carries the same envelope subscribers see.
		if payload, err := hub.EncodePosition(device.ID, ev); err == nil {
			d.feed.Produce(device.ID, payload)
		} else {
			d.logger.Error("encoding export payload", zap.Error(err))
		}
	}
}

func positionFromEvent(deviceID int64, ev *cinet.ParsedEvent) *store.Position {
	p := &store.Position{
		DeviceID:        deviceID,
		Timestamp:       ev.Timestamp,
		Latitude:        ev.Latitude,
		Longitude:       ev.Longitude,
		Speed:           ev.Speed,
		Heading:         ev.Heading,
		Satellites:      int(ev.Satellites),
		HDOP:            ev.HDOP,
		Battery:         int(ev.Battery),
		GSMSignal:       ev.RSSI,
		BitErrorRate:    ev.BitErrorRate,
		StatusFlags:     int(ev.StatusFlags),
		IsMoving:        ev.IsMoving(),
		Motion:          int(ev.Motion),
		Temperature:     int(ev.Temperature),
		LAC:             int(ev.LAC),
		CellID:          int(ev.CellID),
		Operator:        ev.Operator,
		GPSValid:        ev.GPSValid,
		GPSAccuracy:     ev.GPSAccuracy,
		InputTriggered:  ev.InputTriggered,
		MessageType:     ev.MessageType,
		PacketNumber:    int(ev.Sequence),
		FirmwareVersion: ev.Firmware,
		RawData:         ev.RawData,
	}

	if ev.InputState == 1 {
		p.InputState = "High"
	} else {
		p.InputState = "Low"
	}
	if ev.OutputState == 1 {
		p.OutputState = "Open"
	} else {
		p.OutputState = "Closed"
	}
	if ev.Geozone != 0 {
		g := int(ev.Geozone)
		p.Geozone = &g
	}
	if ev.Alerts != 0 {
		a := int(ev.Alerts)
		p.Alerts = &a
	}
	return p
}
