package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/beacon-track/trackserver/internal/cinet"
)

// Subscriber-facing JSON envelopes. Every outbound message carries a "type"
// tag; subscribers send the control messages at the bottom.

// PositionData is the payload of a "position" envelope.
type PositionData struct {
	Timestamp  string   `json:"timestamp"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Altitude   float64  `json:"altitude"`
	Speed      float64  `json:"speed"`
	Heading    *float64 `json:"heading"`
	Satellites int      `json:"satellites"`
	HDOP       float64  `json:"hdop"`
	Battery    int      `json:"battery"`
	IsMoving   bool     `json:"is_moving"`
	GPSValid   bool     `json:"gps_valid"`
}

type positionEnvelope struct {
	Type     string       `json:"type"`
	DeviceID int64        `json:"device_id"`
	Data     PositionData `json:"data"`
}

type alertEnvelope struct {
	Type      string `json:"type"`
	DeviceID  int64  `json:"device_id"`
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type userLocationEnvelope struct {
	Type      string  `json:"type"`
	UserID    int64   `json:"user_id"`
	UserName  string  `json:"user_name"`
	UserEmail string  `json:"user_email"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
}

type controlAck struct {
	Type      string  `json:"type"`
	DeviceIDs []int64 `json:"device_ids"`
}

// ControlMessage is what subscribers send: subscribe, unsubscribe, ping.
type ControlMessage struct {
	Type      string  `json:"type"`
	DeviceIDs []int64 `json:"device_ids"`
}

// EncodePosition serializes one decoded frame as a "position" envelope.
func EncodePosition(deviceID int64, ev *cinet.ParsedEvent) ([]byte, error) {
	env := positionEnvelope{
		Type:     "position",
		DeviceID: deviceID,
		Data: PositionData{
			Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339),
			Latitude:   ev.Latitude,
			Longitude:  ev.Longitude,
			Speed:      ev.Speed,
			Heading:    ev.Heading,
			Satellites: int(ev.Satellites),
			HDOP:       ev.HDOP,
			Battery:    int(ev.Battery),
			IsMoving:   ev.IsMoving(),
			GPSValid:   ev.GPSValid,
		},
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("hub: encode position: %w", err)
	}
	return b, nil
}

func EncodeAlert(deviceID int64, alertType, message string, ts time.Time) ([]byte, error) {
	b, err := json.Marshal(alertEnvelope{
		Type:      "alert",
		DeviceID:  deviceID,
		AlertType: alertType,
		Message:   message,
		Timestamp: ts.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("hub: encode alert: %w", err)
	}
	return b, nil
}

func EncodeUserLocation(userID int64, name, email string, lat, lon, accuracy float64, ts time.Time) ([]byte, error) {
	b, err := json.Marshal(userLocationEnvelope{
		Type:      "user_location",
		UserID:    userID,
		UserName:  name,
		UserEmail: email,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  accuracy,
		Timestamp: ts.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("hub: encode user location: %w", err)
	}
	return b, nil
}

// EncodeControlAck builds a "subscribed" or "unsubscribed" reply.
func EncodeControlAck(kind string, deviceIDs []int64) ([]byte, error) {
	if deviceIDs == nil {
		deviceIDs = []int64{}
	}
	b, err := json.Marshal(controlAck{Type: kind, DeviceIDs: deviceIDs})
	if err != nil {
		return nil, fmt.Errorf("hub: encode control ack: %w", err)
	}
	return b, nil
}

// EncodePong answers a subscriber ping.
func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}
