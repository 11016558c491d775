package models

import "time"

const (
	ProviderAvailable = "available"
	ProviderBusy      = "busy"
	ProviderOffline   = "offline"
)

// Provider is a convenience projection of the locking state. It may be
// briefly stale; correctness always rests on the visit fields.
type Provider struct {
	UID              string    `json:"uid"`
	DisplayName      string    `json:"displayName"`
	Status           string    `json:"status,omitempty"`
	CurrentPatientID string    `json:"currentPatientId,omitempty"`
	LastUpdated      time.Time `json:"lastUpdated"`
}
