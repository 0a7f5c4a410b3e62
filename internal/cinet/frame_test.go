package cinet

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

const (
	testDeviceKey  = 0x06EA83A3
	testSerial     = "SIM00000001"
	testPassphrase = "fredfred"
)

func testEncoder(t *testing.T) *Encoder {
	t.Helper()
	enc, err := NewEncoder(testDeviceKey, testSerial, testPassphrase)
	if err != nil {
		t.Fatalf("encoder init failed: %v", err)
	}
	return enc
}

func testSample() Sample {
	return Sample{
		Time:      time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
		Latitude:  51.5074,
		Longitude: -0.1278,
		Speed:     0,
		HDOP:      1.0,
		GPSValid:  true,
		Battery:   100,
		Satellites: 8,
		Temperature: 20,
		Firmware:  [3]uint8{1, 0, 0},
	}
}

// tamperPayload decrypts a frame's payload, applies mutate to the plaintext,
// then restores both CRCs and the encryption so the frame stays wire-valid.
func tamperPayload(t *testing.T, frame []byte, mutate func(plain []byte)) {
	t.Helper()
	c, err := NewCipher(testPassphrase)
	if err != nil {
		t.Fatalf("cipher init failed: %v", err)
	}
	plain, err := c.Decrypt(frame[51:147])
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	mutate(plain)

	inner := Checksum(plain, 4, 92)
	plain[2] = byte(^inner)
	plain[3] = byte(^inner >> 8)

	enc, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	copy(frame[51:147], enc)
	refreshOuterCRC(frame)
}

func refreshOuterCRC(frame []byte) {
	outer := Checksum(frame, 0, 147)
	frame[147] = byte(^outer)
	frame[148] = byte(^outer >> 8)
}

func TestParse_ReferenceFrame(t *testing.T) {
	enc := testEncoder(t)
	frame, err := enc.Encode(testSample())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(frame) != FrameLength {
		t.Fatalf("expected %d-byte frame, got %d", FrameLength, len(frame))
	}
	if err := ValidateHeader(frame); err != nil {
		t.Fatalf("header validation failed: %v", err)
	}
	if err := ValidateOuterCRC(frame); err != nil {
		t.Fatalf("outer CRC validation failed: %v", err)
	}
	if got := ExtractDeviceKey(frame); got != testDeviceKey {
		t.Errorf("expected device key 0x%08X, got 0x%08X", uint32(testDeviceKey), got)
	}

	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if ev.DeviceKey != testDeviceKey {
		t.Errorf("expected device key 0x%08X, got 0x%08X", uint32(testDeviceKey), ev.DeviceKey)
	}
	if ev.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", ev.Sequence)
	}
	if ev.SerialNumber != testSerial {
		t.Errorf("expected serial %q, got %q", testSerial, ev.SerialNumber)
	}
	if ev.SourceType != "Millitag" {
		t.Errorf("expected source type Millitag, got %q", ev.SourceType)
	}
	if ev.ClientName != "TestClient" {
		t.Errorf("expected client name TestClient, got %q", ev.ClientName)
	}
	if math.Abs(ev.Latitude-51.5074) > 1e-5 {
		t.Errorf("latitude off: got %v", ev.Latitude)
	}
	if math.Abs(ev.Longitude+0.1278) > 1e-5 {
		t.Errorf("longitude off: got %v", ev.Longitude)
	}
	if ev.Speed != 0 {
		t.Errorf("expected speed 0, got %v", ev.Speed)
	}
	if ev.Heading != nil {
		t.Errorf("expected nil heading, got %v", *ev.Heading)
	}
	want := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, ev.Timestamp)
	}
	if ev.TimestampInvalid {
		t.Error("timestamp flagged invalid")
	}
	if !ev.HeaderTime.Equal(want) {
		t.Errorf("expected header time %v, got %v", want, ev.HeaderTime)
	}
	if ev.HDOP != 1.0 {
		t.Errorf("expected HDOP 1.0, got %v", ev.HDOP)
	}
	if ev.GPSAccuracy != AccuracyHigh {
		t.Errorf("expected accuracy High for HDOP 1.0, got %q", ev.GPSAccuracy)
	}
	if !ev.GPSValid {
		t.Error("expected gps_valid true")
	}
	if ev.IsMoving() {
		t.Error("expected is_moving false for speed 0")
	}
	if ev.Battery != 100 {
		t.Errorf("expected battery 100, got %d", ev.Battery)
	}
	if ev.Satellites != 8 {
		t.Errorf("expected 8 satellites, got %d", ev.Satellites)
	}
	if ev.Temperature != 20 {
		t.Errorf("expected temperature 20, got %d", ev.Temperature)
	}
	if ev.Firmware != "1.0.0" {
		t.Errorf("expected firmware 1.0.0, got %q", ev.Firmware)
	}
	if ev.MessageType != "Position" {
		t.Errorf("expected message type Position, got %q", ev.MessageType)
	}
}

func TestParse_RawDataRoundTrip(t *testing.T) {
	enc := testEncoder(t)
	frame, err := enc.Encode(testSample())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !bytes.Equal(ev.RawData, frame) {
		t.Error("raw_data does not re-serialize to the original frame")
	}
	// The copy must be independent of the read buffer.
	frame[100] ^= 0xFF
	if bytes.Equal(ev.RawData, frame) {
		t.Error("raw_data aliases the caller's buffer")
	}
}

func TestParse_WrongPassphrase(t *testing.T) {
	enc := testEncoder(t)
	frame, err := enc.Encode(testSample())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	_, err = NewParser().Parse(frame, "wrong")
	if !errors.Is(err, ErrBadInnerCRC) {
		t.Errorf("expected ErrBadInnerCRC, got %v", err)
	}
}

func TestValidateHeader_Rejects(t *testing.T) {
	enc := testEncoder(t)
	frame, _ := enc.Encode(testSample())

	if err := ValidateHeader(frame[:148]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame for 148 bytes, got %v", err)
	}

	bad := make([]byte, FrameLength)
	copy(bad, frame)
	bad[0] = 0x00
	if err := ValidateHeader(bad); !errors.Is(err, ErrBadHeader) {
		t.Errorf("expected ErrBadHeader for wrong start byte, got %v", err)
	}

	copy(bad, frame)
	bad[1] = 0x56
	if err := ValidateHeader(bad); !errors.Is(err, ErrBadHeader) {
		t.Errorf("expected ErrBadHeader for wrong packet type, got %v", err)
	}
}

func TestValidateOuterCRC_CorruptByte(t *testing.T) {
	enc := testEncoder(t)
	frame, _ := enc.Encode(testSample())

	if err := ValidateOuterCRC(frame); err != nil {
		t.Fatalf("pristine frame failed outer CRC: %v", err)
	}
	frame[30] ^= 0x01
	if err := ValidateOuterCRC(frame); !errors.Is(err, ErrBadOuterCRC) {
		t.Errorf("expected ErrBadOuterCRC, got %v", err)
	}
}

func TestParse_DeclaredLengthNotEnforced(t *testing.T) {
	// The reference firmware always writes 149 at offset 2 and the reference
	// parser never reads it; a disagreeing value must not reject the frame.
	enc := testEncoder(t)
	frame, _ := enc.Encode(testSample())
	frame[2] = 0x00
	frame[3] = 0x00
	refreshOuterCRC(frame)

	if err := ValidateHeader(frame); err != nil {
		t.Fatalf("header validation failed: %v", err)
	}
	if err := ValidateOuterCRC(frame); err != nil {
		t.Fatalf("outer CRC validation failed: %v", err)
	}
	if _, err := NewParser().Parse(frame, testPassphrase); err != nil {
		t.Errorf("expected parse to ignore declared length, got %v", err)
	}
}

func TestParse_HeadingValid(t *testing.T) {
	enc := testEncoder(t)
	s := testSample()
	heading := 215.5
	s.Heading = &heading
	frame, _ := enc.Encode(s)

	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.Heading == nil {
		t.Fatal("expected heading, got nil")
	}
	if *ev.Heading != 215.5 {
		t.Errorf("expected heading 215.5, got %v", *ev.Heading)
	}
}

func TestParse_SouthPoleExact(t *testing.T) {
	enc := testEncoder(t)
	s := testSample()
	s.Latitude = -90.0 // raw -5400000
	frame, _ := enc.Encode(s)

	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.Latitude != -90.0 {
		t.Errorf("expected latitude exactly -90.0, got %v", ev.Latitude)
	}
}

func TestParse_NoFix(t *testing.T) {
	enc := testEncoder(t)
	s := testSample()
	s.GPSValid = false
	s.HDOP = 0
	frame, _ := enc.Encode(s)

	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.GPSAccuracy != AccuracyNoFix {
		t.Errorf("expected NoFix, got %q", ev.GPSAccuracy)
	}
	if ev.GPSValid {
		t.Error("expected gps_valid false")
	}
}

func TestParse_StatusFields(t *testing.T) {
	enc := testEncoder(t)
	s := testSample()
	s.Motion = true
	s.Speed = 42
	s.Temperature = -5
	s.RSSI = -87
	s.BitErrorRate = 3
	s.StatusFlags = 0x0102
	s.LAC = 0x1234
	s.CellID = 0x5678
	s.Operator = "vodafone"
	s.MessageType = MsgTypeGSM
	s.Alarm = 0xFF
	s.BeaconMode = 2
	s.MotionSensitivity = 5
	s.WakeTrigger = 1
	s.OutputState = 1
	s.Geozone = 9
	s.InputState = 1
	s.Alerts = 0x8001
	frame, _ := enc.Encode(s)

	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !ev.IsMoving() {
		t.Error("expected is_moving true")
	}
	if ev.Speed != 42 {
		t.Errorf("expected speed 42, got %v", ev.Speed)
	}
	if ev.Temperature != -5 {
		t.Errorf("expected temperature -5, got %d", ev.Temperature)
	}
	if ev.RSSI != -87 {
		t.Errorf("expected RSSI -87, got %d", ev.RSSI)
	}
	if ev.BitErrorRate != 3 {
		t.Errorf("expected BER 3, got %d", ev.BitErrorRate)
	}
	if ev.StatusFlags != 0x0102 {
		t.Errorf("expected status flags 0x0102, got 0x%04X", ev.StatusFlags)
	}
	if ev.LAC != 0x1234 || ev.CellID != 0x5678 {
		t.Errorf("expected LAC 0x1234 cell 0x5678, got 0x%04X 0x%04X", ev.LAC, ev.CellID)
	}
	if ev.Operator != "vodafone" {
		t.Errorf("expected operator vodafone, got %q", ev.Operator)
	}
	if ev.MessageType != "GSM" {
		t.Errorf("expected message type GSM, got %q", ev.MessageType)
	}
	if ev.Alarm != 0xFF {
		t.Errorf("expected alarm 0xFF, got 0x%02X", ev.Alarm)
	}
	if ev.BeaconMode != 2 || ev.MotionSensitivity != 5 {
		t.Errorf("expected beacon mode 2 sensitivity 5, got %d %d", ev.BeaconMode, ev.MotionSensitivity)
	}
	if !ev.InputTriggered {
		t.Error("expected input_triggered for wake trigger 1")
	}
	if ev.OutputState != 1 || ev.InputState != 1 {
		t.Errorf("expected output/input 1/1, got %d/%d", ev.OutputState, ev.InputState)
	}
	if ev.Geozone != 9 {
		t.Errorf("expected geozone 9, got %d", ev.Geozone)
	}
	if ev.Alerts != 0x8001 {
		t.Errorf("expected alerts 0x8001, got 0x%04X", ev.Alerts)
	}
	if ev.FamilyPayloadLen != 46 {
		t.Errorf("expected family payload length 46, got %d", ev.FamilyPayloadLen)
	}
}

func TestParse_InvalidTimestampSubstitutesEpoch(t *testing.T) {
	enc := testEncoder(t)
	frame, _ := enc.Encode(testSample())
	tamperPayload(t, frame, func(plain []byte) {
		copy(plain[37:42], []byte{0x08, 0x00, 0x00, 0x00, 0x00}) // month 0
	})

	ev, err := NewParser().Parse(frame, testPassphrase)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !ev.TimestampInvalid {
		t.Error("expected TimestampInvalid")
	}
	if !ev.Timestamp.Equal(DatongEpoch) {
		t.Errorf("expected epoch substitute, got %v", ev.Timestamp)
	}
}

func TestParse_SequenceIncrements(t *testing.T) {
	enc := testEncoder(t)
	p := NewParser()
	for want := uint8(1); want <= 3; want++ {
		frame, err := enc.Encode(testSample())
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		ev, err := p.Parse(frame, testPassphrase)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if ev.Sequence != want {
			t.Errorf("expected sequence %d, got %d", want, ev.Sequence)
		}
	}
}

func TestAccuracyFromHDOP_Buckets(t *testing.T) {
	cases := []struct {
		hdop  float64
		valid bool
		want  string
	}{
		{0.5, true, AccuracyHigh},
		{1.0, true, AccuracyHigh},
		{1.01, true, AccuracyMedium},
		{2.0, true, AccuracyMedium},
		{3.5, true, AccuracyLow},
		{5.0, true, AccuracyLow},
		{5.01, true, AccuracyPoor},
		{0.0, false, AccuracyNoFix},
		{9.9, false, AccuracyNoFix},
	}
	for _, c := range cases {
		if got := AccuracyFromHDOP(c.hdop, c.valid); got != c.want {
			t.Errorf("AccuracyFromHDOP(%v, %v) = %q, want %q", c.hdop, c.valid, got, c.want)
		}
	}
}

func TestMessageTypeLabel_UnknownDefaultsToPosition(t *testing.T) {
	if got := MessageTypeLabel(42); got != "Position" {
		t.Errorf("expected Position for unknown code, got %q", got)
	}
}
