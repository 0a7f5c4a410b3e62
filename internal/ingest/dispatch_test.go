package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/cinet"
	"github.com/beacon-track/trackserver/internal/store"
)

// fakeStore implements store.Store in memory for pipeline tests.
type fakeStore struct {
	mu        sync.Mutex
	devices   map[uint32]*store.Device
	inserted  []*store.Position
	touched   []int64
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[uint32]*store.Device)}
}

func (f *fakeStore) addDevice(d *store.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.DeviceKey] = d
}

func (f *fakeStore) FindDeviceByKey(_ context.Context, key uint32) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[key]
	if !ok {
		return nil, store.ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeStore) InsertPosition(_ context.Context, p *store.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, p)
	return nil
}

func (f *fakeStore) TouchDeviceLastSeen(_ context.Context, deviceID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, deviceID)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close()                     {}

func (f *fakeStore) positions() []*store.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.Position(nil), f.inserted...)
}

// fakePublisher records published events.
type fakePublisher struct {
	mu        sync.Mutex
	published []int64
}

func (f *fakePublisher) PublishPosition(deviceID int64, _ *cinet.ParsedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, deviceID)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

const (
	testKey        = uint32(0x06EA83A3)
	testPassphrase = "fredfred"
)

func registeredDevice() *store.Device {
	return &store.Device{
		ID:           1,
		DeviceKey:    testKey,
		SerialNumber: "MT-0001",
		Passphrase:   testPassphrase,
		Enabled:      true,
	}
}

func encodeTestFrame(t *testing.T, s cinet.Sample) []byte {
	t.Helper()
	enc, err := cinet.NewEncoder(testKey, "MT-0001", testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := enc.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func newTestDispatcher(st store.Store, pub Publisher) *Dispatcher {
	return NewDispatcher(st, cinet.NewParser(), pub, nil, zap.NewNop())
}

func TestDispatch_AcceptedFrame(t *testing.T) {
	st := newFakeStore()
	st.addDevice(registeredDevice())
	pub := &fakePublisher{}
	d := newTestDispatcher(st, pub)

	frame := encodeTestFrame(t, cinet.Sample{
		Time:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Latitude:  51.5074,
		Longitude: -0.1278,
		HDOP:      1.0,
		GPSValid:  true,
		Battery:   100,
	})
	d.Dispatch(context.Background(), frame)

	positions := st.positions()
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if math.Abs(p.Latitude-51.5074) > 1e-5 || math.Abs(p.Longitude-(-0.1278)) > 1e-5 {
		t.Errorf("coordinates off: %f, %f", p.Latitude, p.Longitude)
	}
	if p.IsMoving {
		t.Error("expected is_moving false")
	}
	if p.GPSAccuracy != cinet.AccuracyHigh {
		t.Errorf("expected High accuracy for HDOP 1.00, got %s", p.GPSAccuracy)
	}
	if !p.Timestamp.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", p.Timestamp)
	}
	if len(p.RawData) != cinet.FrameLength {
		t.Errorf("raw data not retained: %d bytes", len(p.RawData))
	}
	if pub.count() != 1 {
		t.Errorf("expected 1 publish, got %d", pub.count())
	}
	if len(st.touched) != 1 || st.touched[0] != 1 {
		t.Errorf("expected last_seen touch for device 1, got %v", st.touched)
	}
}

func TestDispatch_WrongPassphrase(t *testing.T) {
	st := newFakeStore()
	dev := registeredDevice()
	dev.Passphrase = "wrong"
	st.addDevice(dev)
	pub := &fakePublisher{}
	d := newTestDispatcher(st, pub)

	frame := encodeTestFrame(t, cinet.Sample{Time: time.Now().UTC(), GPSValid: true})
	d.Dispatch(context.Background(), frame)

	if len(st.positions()) != 0 {
		t.Error("frame with wrong passphrase must not insert a position")
	}
	if pub.count() != 0 {
		t.Error("rejected frame must not be published")
	}
}

func TestDispatch_UnknownDevice_NoCipherWork(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	parser := cinet.NewParser()
	d := NewDispatcher(st, parser, pub, nil, zap.NewNop())

	enc, err := cinet.NewEncoder(0xDEADBEEF, "GHOST", "whatever")
	if err != nil {
		t.Fatal(err)
	}
	frame, err := enc.Encode(cinet.Sample{Time: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	d.Dispatch(context.Background(), frame)

	if len(st.positions()) != 0 {
		t.Error("unknown device must not insert a position")
	}
	if parser.Ciphers().Len() != 0 {
		t.Error("unknown device must be rejected before any cipher derivation")
	}
}

func TestDispatch_DisabledDevice(t *testing.T) {
	st := newFakeStore()
	dev := registeredDevice()
	dev.Enabled = false
	st.addDevice(dev)
	pub := &fakePublisher{}
	d := newTestDispatcher(st, pub)

	frame := encodeTestFrame(t, cinet.Sample{Time: time.Now().UTC()})
	d.Dispatch(context.Background(), frame)

	if len(st.positions()) != 0 || pub.count() != 0 {
		t.Error("disabled device must be dropped")
	}
}

func TestDispatch_BadHeader(t *testing.T) {
	st := newFakeStore()
	st.addDevice(registeredDevice())
	pub := &fakePublisher{}
	d := newTestDispatcher(st, pub)

	frame := encodeTestFrame(t, cinet.Sample{Time: time.Now().UTC()})
	frame[0] = 0x00
	d.Dispatch(context.Background(), frame)

	if len(st.positions()) != 0 {
		t.Error("bad header must be dropped before lookup")
	}
}

func TestDispatch_BadOuterCRC(t *testing.T) {
	st := newFakeStore()
	st.addDevice(registeredDevice())
	pub := &fakePublisher{}
	d := newTestDispatcher(st, pub)

	frame := encodeTestFrame(t, cinet.Sample{Time: time.Now().UTC()})
	frame[60] ^= 0xFF // corrupt the encrypted body
	d.Dispatch(context.Background(), frame)

	if len(st.positions()) != 0 {
		t.Error("corrupted frame must fail the outer crc")
	}
}

func TestDispatch_PersistenceFailure(t *testing.T) {
	st := newFakeStore()
	st.addDevice(registeredDevice())
	st.insertErr = errors.New("db down")
	pub := &fakePublisher{}
	d := newTestDispatcher(st, pub)

	frame := encodeTestFrame(t, cinet.Sample{Time: time.Now().UTC()})
	d.Dispatch(context.Background(), frame)

	if pub.count() != 0 {
		t.Error("a frame that failed to persist must not be fanned out")
	}
}

func TestPositionFromEvent_StateLabels(t *testing.T) {
	h := 90.0
	ev := &cinet.ParsedEvent{
		Heading:     &h,
		InputState:  1,
		OutputState: 0,
		Geozone:     3,
		Alerts:      0,
		RSSI:        -67,
		Temperature: -12,
	}
	p := positionFromEvent(5, ev)

	if p.InputState != "High" || p.OutputState != "Closed" {
		t.Errorf("unexpected state labels %s/%s", p.InputState, p.OutputState)
	}
	if p.Geozone == nil || *p.Geozone != 3 {
		t.Errorf("expected geozone 3, got %v", p.Geozone)
	}
	if p.Alerts != nil {
		t.Error("empty alerts bitmap must map to nil")
	}
	if p.GSMSignal != -67 || p.Temperature != -12 {
		t.Errorf("signed fields mangled: %d, %d", p.GSMSignal, p.Temperature)
	}
	if p.Heading == nil || *p.Heading != 90.0 {
		t.Errorf("unexpected heading %v", p.Heading)
	}
}
