package cinet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Reject reasons surfaced by the staged parse. Callers map these to log
// levels and counters; none of them closes the connection.
var (
	ErrShortFrame  = errors.New("cinet: frame shorter than 149 bytes")
	ErrBadHeader   = errors.New("cinet: bad start or packet type byte")
	ErrBadOuterCRC = errors.New("cinet: outer crc mismatch")
	ErrBadInnerCRC = errors.New("cinet: inner crc mismatch")
)

// Frame layout (149 bytes):
//
//	Offset   0: start byte 0x24 '$'
//	Offset   1: packet type 0x55 'U'
//	Offset   2: declared length (2 bytes, big-endian; always echoes 149)
//	Offset   4: sequence number (1 byte)
//	Offset   5: device key (4 bytes, big-endian)
//	Offset   9: ciNet sub-type 0x44 'D'
//	Offset  10: source type (12 bytes, ASCII, NUL-padded)
//	Offset  22: serial number (24 bytes, ASCII, NUL-padded)
//	Offset  46: header Datong timestamp (5 bytes)
//	Offset  51: encrypted payload (96 bytes, 12 Blowfish ECB blocks)
//	Offset 147: outer CRC-16 (2 bytes, inverted, little-endian) over [0..147)
//
// Decrypted payload layout (96 bytes, offsets relative to the decrypted
// buffer; the inner CRC covers [4..96)):
//
//	Offset   0: encrypted length echo (2 bytes, big-endian, = 96)
//	Offset   2: inner CRC-16 (2 bytes, inverted, little-endian)
//	Offset   4: message type (1 byte)
//	Offset   5: client name (20 bytes, ASCII, NUL-padded)
//	Offset  25: latitude x 60000 (4 bytes, signed, big-endian)
//	Offset  29: longitude x 60000 (4 bytes, signed, big-endian)
//	Offset  33: heading x 100 (2 bytes, big-endian; 0xFFFF = invalid)
//	Offset  35: speed km/h (2 bytes, big-endian)
//	Offset  37: GPS Datong timestamp (5 bytes)
//	Offset  42: HDOP x 100 (2 bytes, big-endian)
//	Offset  44: GPS valid flag (1 byte)
//	Offset  45: motion flag (1 byte)
//	Offset  46: alarm (1 byte)
//	Offset  47: device-family payload length (2 bytes, big-endian)
//	Offset  49: battery percent (1 byte)
//	Offset  50: temperature (1 byte, signed)
//	Offset  51: satellites (1 byte)
//	Offset  52: RSSI (4 bytes, signed, big-endian)
//	Offset  56: bit error rate (4 bytes, signed, big-endian)
//	Offset  60: status flags (2 bytes, big-endian)
//	Offset  62: LAC (2 bytes, big-endian)
//	Offset  64: cell id (2 bytes, big-endian)
//	Offset  66: access technology (2 bytes, big-endian)
//	Offset  68: operator (8 bytes, ASCII, NUL-padded)
//	Offset  76: firmware version major, minor, patch (3 bytes)
//	Offset  87: beacon mode (1 byte)
//	Offset  88: motion sensitivity (1 byte)
//	Offset  89: wake trigger (1 byte)
//	Offset  90: output state (1 byte, 0=Closed 1=Open)
//	Offset  91: geozone id (1 byte)
//	Offset  92: input state (1 byte, 0=Low 1=High)
//	Offset  93: alerts bitmap (2 bytes, big-endian)

// ValidateHeader checks the frame length and the two header markers. The
// declared length at offset 2 is not enforced: the wire format is fixed at
// 149 bytes, the field only echoes it, and the beacon firmware is known to
// set it unconditionally.
func ValidateHeader(data []byte) error {
	if len(data) < FrameLength {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if data[0] != StartByte || data[1] != PacketType {
		return fmt.Errorf("%w: 0x%02X 0x%02X", ErrBadHeader, data[0], data[1])
	}
	return nil
}

// ExtractDeviceKey reads the device key from the cleartext header, so the
// caller can look up the passphrase before any decryption work.
func ExtractDeviceKey(data []byte) uint32 {
	return binary.BigEndian.Uint32(data[5:9])
}

// ValidateOuterCRC recomputes the frame checksum over [0..147) and compares
// it against the inverted little-endian value stored at [147..149).
func ValidateOuterCRC(data []byte) error {
	calc := Checksum(data, 0, 147)
	stored := uint16(data[148])<<8 | uint16(data[147])
	if ^calc != stored {
		return fmt.Errorf("%w: computed 0x%04X, stored 0x%04X", ErrBadOuterCRC, ^calc, stored)
	}
	return nil
}

// Parser decodes ciNet frames. It owns the cipher cache, so key schedules
// are derived once per passphrase across all connections.
type Parser struct {
	ciphers *CipherCache
}

func NewParser() *Parser {
	return &Parser{ciphers: NewCipherCache()}
}

// Ciphers exposes the parser's cipher cache.
func (p *Parser) Ciphers() *CipherCache { return p.ciphers }

// Parse decrypts and decodes a frame whose header and outer CRC the caller
// has already validated; the parse is staged because the passphrase is only
// known after device lookup, and the outer CRC must be computed exactly once.
// A GPS timestamp that fails Datong decoding does not reject the frame: the
// epoch is substituted and TimestampInvalid set.
func (p *Parser) Parse(data []byte, passphrase string) (*ParsedEvent, error) {
	if len(data) < FrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	cipher, err := p.ciphers.Get(passphrase)
	if err != nil {
		return nil, err
	}
	decrypted, err := cipher.Decrypt(data[51:147])
	if err != nil {
		return nil, err
	}

	calc := Checksum(decrypted, 4, 92)
	stored := uint16(decrypted[3])<<8 | uint16(decrypted[2])
	if ^calc != stored {
		return nil, fmt.Errorf("%w: computed 0x%04X, stored 0x%04X", ErrBadInnerCRC, ^calc, stored)
	}

	ev := &ParsedEvent{
		DeviceKey:    binary.BigEndian.Uint32(data[5:9]),
		Sequence:     data[4],
		SourceType:   asciiField(data[10:22]),
		SerialNumber: asciiField(data[22:46]),
	}
	ev.HeaderTime, _ = DecodeDatong(data[46:51])

	ev.ClientName = asciiField(decrypted[5:25])
	ev.Latitude = float64(int32(binary.BigEndian.Uint32(decrypted[25:29]))) / 60000.0
	ev.Longitude = float64(int32(binary.BigEndian.Uint32(decrypted[29:33]))) / 60000.0

	if raw := binary.BigEndian.Uint16(decrypted[33:35]); raw != 0xFFFF {
		h := float64(raw) / 100.0
		ev.Heading = &h
	}
	ev.Speed = float64(binary.BigEndian.Uint16(decrypted[35:37]))

	ev.Timestamp, err = DecodeDatong(decrypted[37:42])
	if err != nil {
		ev.TimestampInvalid = true
	}

	ev.HDOP = float64(binary.BigEndian.Uint16(decrypted[42:44])) / 100.0
	ev.GPSValid = decrypted[44] == 1
	ev.Motion = decrypted[45]
	ev.Alarm = decrypted[46]
	ev.FamilyPayloadLen = binary.BigEndian.Uint16(decrypted[47:49])
	ev.Battery = decrypted[49]
	ev.Temperature = int8(decrypted[50])
	ev.Satellites = decrypted[51]
	ev.RSSI = int32(binary.BigEndian.Uint32(decrypted[52:56]))
	ev.BitErrorRate = int32(binary.BigEndian.Uint32(decrypted[56:60]))
	ev.StatusFlags = binary.BigEndian.Uint16(decrypted[60:62])
	ev.LAC = binary.BigEndian.Uint16(decrypted[62:64])
	ev.CellID = binary.BigEndian.Uint16(decrypted[64:66])
	ev.AccessTech = binary.BigEndian.Uint16(decrypted[66:68])
	ev.Operator = asciiField(decrypted[68:76])
	ev.Firmware = fmt.Sprintf("%d.%d.%d", decrypted[76], decrypted[77], decrypted[78])
	ev.BeaconMode = decrypted[87]
	ev.MotionSensitivity = decrypted[88]
	ev.InputTriggered = decrypted[89] == 1
	ev.OutputState = decrypted[90]
	ev.Geozone = decrypted[91]
	ev.InputState = decrypted[92]
	ev.Alerts = binary.BigEndian.Uint16(decrypted[93:95])

	ev.GPSAccuracy = AccuracyFromHDOP(ev.HDOP, ev.GPSValid)
	ev.MessageType = MessageTypeLabel(decrypted[4])

	ev.RawData = make([]byte, FrameLength)
	copy(ev.RawData, data)

	return ev, nil
}

// asciiField trims the NUL padding from a fixed-width ASCII field.
func asciiField(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
