// Package protocol defines the WebSocket envelope exchanged between the
// server, in-room display devices and dashboard clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the wire unit for all WebSocket messages. HotelID and DeviceID
// are routing hints; Payload meaning depends on Type.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	HotelID   int64           `json:"hotelId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an envelope with the given type and payload, stamped
// with the current time.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (e *Envelope) ParsePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Envelope types (device/client → server)
const (
	TypeHeartbeat      = "heartbeat"
	TypeAuthenticate   = "authenticate"
	TypeDeviceStatus   = "device_status"
	TypeContentUpdate  = "content_update"
	TypeRefreshContent = "refresh_content"
)

// Envelope types (server → device/client)
const (
	TypeConnected          = "connected"
	TypeDeviceConnected    = "device_connected"
	TypeDeviceDisconnected = "device_disconnected"
	TypeHeartbeatAck       = "heartbeat_ack"
	TypeAuthenticated      = "authenticated"
	TypeDeviceStatusUpdate = "device_status_update"
)

// ConnectedPayload is the welcome sent to every new connection. ID is the
// identity assigned to the connection; the peer uses it for self-referential
// operations.
type ConnectedPayload struct {
	ID string `json:"id"`
}

// AuthenticatePayload is sent by a dashboard client to bind its operator
// identity and narrow its tenant scope.
type AuthenticatePayload struct {
	UserID  int64  `json:"userId"`
	HotelID int64  `json:"hotelId"`
	Key     string `json:"key,omitempty"`
}

// AuthenticatedPayload confirms (or denies) an authenticate bind.
type AuthenticatedPayload struct {
	Success bool `json:"success"`
}

// PresencePayload announces a device connecting or disconnecting.
type PresencePayload struct {
	DeviceID   string `json:"deviceId"`
	HotelID    int64  `json:"hotelId"`
	RoomNumber string `json:"roomNumber,omitempty"`
}
