package engine

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidTransition = errors.New("status does not allow this action")
	ErrVisitNotFound     = errors.New("visit not found")

	// ErrStalePrecondition means the visit changed between the guard read and
	// the conditional write; the caller must re-read and decide again.
	ErrStalePrecondition = errors.New("visit changed concurrently")
)

// AlreadyAttendingError rejects a start while the caller holds a different
// in-progress visit. It names the held patient so the caller knows what to
// pause or complete first.
type AlreadyAttendingError struct {
	VisitID     string
	PatientName string
}

func (e *AlreadyAttendingError) Error() string {
	return fmt.Sprintf("finish or pause %s first", e.PatientName)
}

// LockedError rejects an action on a visit attended (or paused) by someone
// else.
type LockedError struct {
	ProviderName string
}

func (e *LockedError) Error() string {
	name := e.ProviderName
	if name == "" {
		name = "another provider"
	}
	return fmt.Sprintf("visit is being attended by %s", name)
}

// ReservedError rejects a non-admin start on a visit soft-assigned to
// another provider.
type ReservedError struct {
	ProviderName string
}

func (e *ReservedError) Error() string {
	name := e.ProviderName
	if name == "" {
		name = "another provider"
	}
	return fmt.Sprintf("visit is assigned to %s", name)
}

// SlotConflictError rejects a start when another in-progress visit occupies
// the same preferred date and time.
type SlotConflictError struct {
	PatientName string
	Date        string
	Time        string
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("time slot %s %s conflicts with %s", e.Date, e.Time, e.PatientName)
}
