package cinet

import (
	"encoding/binary"
	"time"
)

// Encoder builds wire-valid ciNet frames the way the beacon firmware does.
// The server never writes frames; the encoder exists for tests, the
// frame-dump tool and anyone standing up a synthetic feed.
type Encoder struct {
	DeviceKey    uint32
	SerialNumber string
	SourceType   string
	ClientName   string

	cipher   *Cipher
	sequence uint8
}

// NewEncoder prepares an encoder for one simulated device.
func NewEncoder(deviceKey uint32, serial, passphrase string) (*Encoder, error) {
	cipher, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		DeviceKey:    deviceKey,
		SerialNumber: serial,
		SourceType:   "Millitag",
		ClientName:   "TestClient",
		cipher:       cipher,
	}, nil
}

// Sample is one position report to encode. Zero values are written verbatim
// except Heading: nil encodes the 0xFFFF invalid marker.
type Sample struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	Speed     float64
	Heading   *float64
	HDOP      float64
	GPSValid  bool
	Motion    bool

	Battery           uint8
	Temperature       int8
	Satellites        uint8
	RSSI              int32
	BitErrorRate      int32
	StatusFlags       uint16
	LAC               uint16
	CellID            uint16
	Operator          string
	Firmware          [3]uint8
	MessageType       uint8
	Alarm             uint8
	BeaconMode        uint8
	MotionSensitivity uint8
	WakeTrigger       uint8
	OutputState       uint8
	Geozone           uint8
	InputState        uint8
	Alerts            uint16
}

// Encode serializes one sample: header, plaintext payload, inner CRC,
// ECB encryption, outer CRC. The sequence number increments per frame.
func (e *Encoder) Encode(s Sample) ([]byte, error) {
	buf := make([]byte, FrameLength)
	e.sequence++

	buf[0] = StartByte
	buf[1] = PacketType
	binary.BigEndian.PutUint16(buf[2:4], FrameLength)
	buf[4] = e.sequence
	binary.BigEndian.PutUint32(buf[5:9], e.DeviceKey)
	buf[9] = SubType
	copy(buf[10:22], e.SourceType)
	copy(buf[22:46], e.SerialNumber)
	ts := EncodeDatong(s.Time)
	copy(buf[46:51], ts[:])

	// Plaintext payload, built in place and encrypted below.
	binary.BigEndian.PutUint16(buf[51:53], EncryptedLength)
	buf[55] = s.MessageType
	copy(buf[56:76], e.ClientName)
	binary.BigEndian.PutUint32(buf[76:80], uint32(int32(s.Latitude*60000)))
	binary.BigEndian.PutUint32(buf[80:84], uint32(int32(s.Longitude*60000)))
	if s.Heading != nil {
		binary.BigEndian.PutUint16(buf[84:86], uint16(*s.Heading*100))
	} else {
		binary.BigEndian.PutUint16(buf[84:86], 0xFFFF)
	}
	binary.BigEndian.PutUint16(buf[86:88], uint16(s.Speed))
	copy(buf[88:93], ts[:])
	binary.BigEndian.PutUint16(buf[93:95], uint16(s.HDOP*100))
	if s.GPSValid {
		buf[95] = 1
	}
	if s.Motion {
		buf[96] = 1
	}
	buf[97] = s.Alarm
	binary.BigEndian.PutUint16(buf[98:100], 46) // device-family payload length
	buf[100] = s.Battery
	buf[101] = byte(s.Temperature)
	buf[102] = s.Satellites
	binary.BigEndian.PutUint32(buf[103:107], uint32(s.RSSI))
	binary.BigEndian.PutUint32(buf[107:111], uint32(s.BitErrorRate))
	binary.BigEndian.PutUint16(buf[111:113], s.StatusFlags)
	binary.BigEndian.PutUint16(buf[113:115], s.LAC)
	binary.BigEndian.PutUint16(buf[115:117], s.CellID)
	copy(buf[119:127], s.Operator)
	buf[127] = s.Firmware[0]
	buf[128] = s.Firmware[1]
	buf[129] = s.Firmware[2]
	buf[138] = s.BeaconMode
	buf[139] = s.MotionSensitivity
	buf[140] = s.WakeTrigger
	buf[141] = s.OutputState
	buf[142] = s.Geozone
	buf[143] = s.InputState
	binary.BigEndian.PutUint16(buf[144:146], s.Alerts)

	// Inner CRC over the plaintext [55..147), stored inverted little-endian.
	inner := Checksum(buf, 55, 92)
	buf[53] = byte(^inner)
	buf[54] = byte(^inner >> 8)

	enc, err := e.cipher.Encrypt(buf[51:147])
	if err != nil {
		return nil, err
	}
	copy(buf[51:147], enc)

	outer := Checksum(buf, 0, 147)
	buf[147] = byte(^outer)
	buf[148] = byte(^outer >> 8)

	return buf, nil
}
