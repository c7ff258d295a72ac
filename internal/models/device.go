package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus represents the reachability of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Device represents a tracker in the device registry. The registry is
// owned by the platform services; the gateway only reads and caches it.
type Device struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	// Identity
	IMEI     string `json:"imei" db:"imei"`
	Name     string `json:"name" db:"name"`
	Protocol string `json:"protocol" db:"protocol"`

	// Status
	IsActive   bool         `json:"isActive" db:"is_active"`
	Status     DeviceStatus `json:"status" db:"status"`
	LastSeenAt *time.Time   `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	// Subscription window
	SubscriptionActive bool       `json:"subscriptionActive" db:"is_subscription_active"`
	SubscriptionExpiry *time.Time `json:"subscriptionExpiry,omitempty" db:"subscription_expiry"`
}

// SubscriptionValid reports whether the device's subscription window
// covers the given instant.
func (d *Device) SubscriptionValid(now time.Time) bool {
	if !d.SubscriptionActive {
		return false
	}
	if d.SubscriptionExpiry != nil && d.SubscriptionExpiry.Before(now) {
		return false
	}
	return true
}
