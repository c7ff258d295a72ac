package models

import (
	"time"

	"github.com/google/uuid"
)

// Position is a decoded GPS fix ready for persistence and fan-out.
type Position struct {
	DeviceID   uuid.UUID `json:"deviceId" db:"device_id"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Speed      int       `json:"speed" db:"speed"`
	Heading    int       `json:"heading" db:"heading"`
	Satellites int       `json:"satellites" db:"satellites"`
	Ignition   bool      `json:"ignition" db:"ignition"`
	Charging   bool      `json:"charging" db:"charging"`
	GSMSignal  int       `json:"gsmSignal" db:"gsm_signal"`
	DeviceTime time.Time `json:"deviceTime" db:"device_time"`
	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`
	Raw        string    `json:"raw,omitempty" db:"raw_data"` // hex, kept for audit
}
