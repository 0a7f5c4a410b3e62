package cinet

import "time"

// Frame geometry. Every ciNet position report is exactly FrameLength bytes
// on the wire; there is no variable-length framing.
const (
	FrameLength     = 149
	HeaderLength    = 51
	EncryptedLength = 96 // 12 Blowfish blocks at frame offset 51
)

// Header markers.
const (
	StartByte  byte = 0x24 // '$'
	PacketType byte = 0x55 // 'U'
	SubType    byte = 0x44 // 'D', ciNet sub-type at offset 9
)

// Message type codes carried at decrypted payload offset 4.
const (
	MsgTypePosition   uint8 = 0
	MsgTypeStatus     uint8 = 1
	MsgTypeGSM        uint8 = 2
	MsgTypeDiagnostic uint8 = 3
)

// MessageTypeLabel maps a wire message-type code to its label. Unknown codes
// map to "Position", the dominant frame kind.
func MessageTypeLabel(code uint8) string {
	switch code {
	case MsgTypeStatus:
		return "Status"
	case MsgTypeGSM:
		return "GSM"
	case MsgTypeDiagnostic:
		return "Diagnostic"
	default:
		return "Position"
	}
}

// GPS accuracy buckets derived from HDOP.
const (
	AccuracyHigh   = "High"
	AccuracyMedium = "Medium"
	AccuracyLow    = "Low"
	AccuracyPoor   = "Poor"
	AccuracyNoFix  = "NoFix"
)

// AccuracyFromHDOP buckets the horizontal dilution of precision, or reports
// NoFix when the receiver had no valid fix.
func AccuracyFromHDOP(hdop float64, valid bool) string {
	switch {
	case !valid:
		return AccuracyNoFix
	case hdop <= 1.0:
		return AccuracyHigh
	case hdop <= 2.0:
		return AccuracyMedium
	case hdop <= 5.0:
		return AccuracyLow
	default:
		return AccuracyPoor
	}
}

// ParsedEvent is the decoded form of one ciNet frame. It lives for a single
// ingest: produced by the parser, consumed by persistence and fan-out.
type ParsedEvent struct {
	// Header fields
	DeviceKey    uint32
	Sequence     uint8
	SourceType   string
	SerialNumber string
	HeaderTime   time.Time

	// Position
	Latitude  float64
	Longitude float64
	Speed     float64  // km/h
	Heading   *float64 // nil when the wire value is the 0xFFFF invalid marker
	Timestamp time.Time
	// TimestampInvalid marks a GPS Datong decode failure; Timestamp then
	// holds the 1980-01-01 epoch.
	TimestampInvalid bool

	// GPS quality
	Satellites  uint8
	HDOP        float64
	GPSValid    bool
	GPSAccuracy string

	// Device status
	Battery      uint8
	Temperature  int8
	RSSI         int32
	BitErrorRate int32
	Motion       uint8
	StatusFlags  uint16
	Alarm        uint8

	// Cellular
	LAC        uint16
	CellID     uint16
	AccessTech uint16
	Operator   string

	// Additional status
	ClientName        string
	MessageType       string
	FamilyPayloadLen  uint16
	Firmware          string
	BeaconMode        uint8
	MotionSensitivity uint8
	InputTriggered    bool
	OutputState       uint8
	InputState        uint8
	Geozone           uint8
	Alerts            uint16

	// RawData is the original 149-byte frame, retained for forensic replay.
	RawData []byte
}

// IsMoving reports whether the motion flag indicates movement.
func (e *ParsedEvent) IsMoving() bool {
	return e.Motion > 0
}
