package models

import "time"

// Visit is one pre-consultation queue entry. The JSON field names are the
// document field names in the store; partial updates address them directly.
type Visit struct {
	ID          string `json:"id"`
	PatientName string `json:"patientName"`
	Age         string `json:"age,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Service     string `json:"service,omitempty"`
	Symptoms    string `json:"symptoms,omitempty"`

	Status string `json:"status"`
	Urgent bool   `json:"urgent,omitempty"`

	// Attending* is the hard lock: set while the visit is in progress or
	// paused. Assigned* is a soft reservation on a waiting visit. At most one
	// of the two pairs is set at any time.
	AttendingProviderID   string `json:"attendingProviderId,omitempty"`
	AttendingProviderName string `json:"attendingProviderName,omitempty"`
	AssignedProviderID    string `json:"assignedProviderId,omitempty"`
	AssignedProviderName  string `json:"assignedProviderName,omitempty"`

	ClerkingData *ClerkingData `json:"clerkingData,omitempty"`

	PreferredDate string `json:"preferredDate,omitempty"`
	PreferredTime string `json:"preferredTime,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusNoShow     = "no_show"
	StatusCancelled  = "cancelled"
)

// NormalizeStatus maps legacy labels from older intake writers onto the
// canonical set. Unrecognized values degrade to waiting so a consumer never
// sees a status outside the enum.
func NormalizeStatus(raw string) string {
	switch raw {
	case StatusWaiting, StatusInProgress, StatusPaused, StatusCompleted, StatusNoShow, StatusCancelled:
		return raw
	case "Waiting", "Pending", "pending":
		return StatusWaiting
	case "In-Progress", "InProgress":
		return StatusInProgress
	case "Paused":
		return StatusPaused
	case "Completed":
		return StatusCompleted
	case "No-Show", "NoShow":
		return StatusNoShow
	case "Cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusWaiting
	}
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

type OwnershipKind int

const (
	Unowned OwnershipKind = iota
	Reserved
	Locked
)

// Ownership is the tagged view over the two provider field pairs. Guards in
// the engine branch on the kind instead of testing nullable fields.
type Ownership struct {
	Kind         OwnershipKind
	ProviderID   string
	ProviderName string
}

func (v Visit) Ownership() Ownership {
	if v.AttendingProviderID != "" {
		return Ownership{Kind: Locked, ProviderID: v.AttendingProviderID, ProviderName: v.AttendingProviderName}
	}
	if v.AssignedProviderID != "" {
		return Ownership{Kind: Reserved, ProviderID: v.AssignedProviderID, ProviderName: v.AssignedProviderName}
	}
	return Ownership{Kind: Unowned}
}

// SameSlot reports whether two visits occupy the same preferred date+time.
// Visits without a date never collide.
func SameSlot(a, b Visit) bool {
	if a.PreferredDate == "" || b.PreferredDate == "" {
		return false
	}
	return a.PreferredDate == b.PreferredDate && a.PreferredTime == b.PreferredTime
}
