package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"clinicq/internal/audit"
	"clinicq/internal/docstore"
	"clinicq/internal/models"
)

// Caller is the resolved identity performing an operation.
type Caller struct {
	ID    string
	Name  string
	Admin bool
}

// View is the local queue projection. It is provisional state: cross-item
// guards consult it, but the conditional write against the store is the only
// correctness boundary.
type View interface {
	Items() []models.Visit
	Get(id string) (models.Visit, bool)
}

// Sessions is the clerking session lifecycle the engine drives. Open on
// start/resume, CloseVisit (final synchronous flush) whenever ownership is
// lost.
type Sessions interface {
	Open(visitID, callerID string)
	Save(visitID, callerID string, note map[string]any)
	Flush(ctx context.Context, visitID, callerID string) error
	CloseVisit(ctx context.Context, visitID string)
}

type Engine struct {
	store    docstore.Store
	view     View
	audit    *audit.Log
	sessions Sessions
	now      func() time.Time
	timeout  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Options struct {
	Audit    *audit.Log
	Sessions Sessions
	Now      func() time.Time
	// OpTimeout bounds every state-changing store write. A timed-out request
	// counts as failed, never as succeeded.
	OpTimeout time.Duration
}

func New(store docstore.Store, view View, options Options) *Engine {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	timeout := options.OpTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		store:    store,
		view:     view,
		audit:    options.Audit,
		sessions: options.Sessions,
		now:      now,
		timeout:  timeout,
		locks:    make(map[string]*sync.Mutex),
	}
}

// IntakeInput is a patient intake submission. It is not caller-gated; the
// public booking flow creates waiting visits directly.
type IntakeInput struct {
	PatientName   string
	Age           string
	Phone         string
	Service       string
	Symptoms      string
	Urgent        bool
	PreferredDate string
	PreferredTime string
}

func (e *Engine) CreateIntake(ctx context.Context, input IntakeInput) (string, error) {
	if strings.TrimSpace(input.PatientName) == "" {
		return "", fmt.Errorf("patient name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	fields := map[string]any{
		"patientName":   strings.TrimSpace(input.PatientName),
		"status":        models.StatusWaiting,
		"createdAt":     e.now().Format(time.RFC3339Nano),
		"urgent":        urgentValue(input.Urgent),
		"age":           emptyToNil(input.Age),
		"phone":         emptyToNil(input.Phone),
		"service":       emptyToNil(input.Service),
		"symptoms":      emptyToNil(input.Symptoms),
		"preferredDate": emptyToNil(input.PreferredDate),
		"preferredTime": emptyToNil(input.PreferredTime),
	}
	id, err := e.store.Create(ctx, docstore.CollectionVisits, fields)
	if err != nil {
		return "", mapStoreError(err)
	}
	e.logAudit(ctx, id, "intake", Caller{}, map[string]any{"service": input.Service})
	return id, nil
}

// StartOrResume takes the hard lock on a visit. From waiting it begins
// clerking; from paused it resumes. Guards follow the transition table:
// reservation, existing lock, one in-progress visit per provider, and slot
// collision, all bypassed for admins.
func (e *Engine) StartOrResume(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, rawStatus, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !ValidTransition("start", current.Status) {
		return models.Visit{}, ErrInvalidTransition
	}

	owner := current.Ownership()
	if !caller.Admin {
		switch current.Status {
		case models.StatusWaiting:
			if owner.Kind == models.Locked && owner.ProviderID != caller.ID {
				return models.Visit{}, &LockedError{ProviderName: owner.ProviderName}
			}
			if owner.Kind == models.Reserved && owner.ProviderID != caller.ID {
				return models.Visit{}, &ReservedError{ProviderName: owner.ProviderName}
			}
		case models.StatusPaused, models.StatusInProgress:
			if owner.ProviderID != caller.ID {
				return models.Visit{}, &LockedError{ProviderName: owner.ProviderName}
			}
		}
		if held, ok := e.attendingElsewhere(caller.ID, visitID); ok {
			return models.Visit{}, &AlreadyAttendingError{VisitID: held.ID, PatientName: held.PatientName}
		}
		if conflict, ok := e.slotConflict(current); ok {
			return models.Visit{}, &SlotConflictError{
				PatientName: conflict.PatientName,
				Date:        current.PreferredDate,
				Time:        current.PreferredTime,
			}
		}
	}

	startedAt := e.now()
	fields := map[string]any{
		"status":                models.StatusInProgress,
		"attendingProviderId":   caller.ID,
		"attendingProviderName": caller.Name,
		"assignedProviderId":    nil,
		"assignedProviderName":  nil,
		"startedAt":             startedAt.Format(time.RFC3339Nano),
	}
	pre := &docstore.Precondition{Fields: map[string]any{
		"status":              rawStatus,
		"attendingProviderId": emptyToNil(current.AttendingProviderID),
	}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	if e.sessions != nil {
		e.sessions.Open(visitID, caller.ID)
	}
	e.updateProviderStatus(ctx, caller.ID, models.ProviderBusy, visitID)
	e.logAudit(ctx, visitID, "start", caller, nil)

	current.Status = models.StatusInProgress
	current.AttendingProviderID = caller.ID
	current.AttendingProviderName = caller.Name
	current.AssignedProviderID = ""
	current.AssignedProviderName = ""
	current.StartedAt = &startedAt
	return current, nil
}

// Pause releases the active lock but keeps the attending fields so only the
// same provider (or an admin) may resume the paused visit.
func (e *Engine) Pause(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	return e.release(ctx, caller, visitID, "pause")
}

func (e *Engine) Complete(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	return e.release(ctx, caller, visitID, "complete")
}

func (e *Engine) release(ctx context.Context, caller Caller, visitID, action string) (models.Visit, error) {
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, rawStatus, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !ValidTransition(action, current.Status) {
		return models.Visit{}, ErrInvalidTransition
	}
	if !caller.Admin && current.AttendingProviderID != caller.ID {
		return models.Visit{}, &LockedError{ProviderName: current.AttendingProviderName}
	}

	// Final flush before the status flips, while the writer still owns the
	// lock per the clerking write rule.
	if e.sessions != nil {
		e.sessions.CloseVisit(ctx, visitID)
	}

	fields := map[string]any{}
	if action == "pause" {
		fields["status"] = models.StatusPaused
	} else {
		completedAt := e.now()
		fields["status"] = models.StatusCompleted
		fields["completedAt"] = completedAt.Format(time.RFC3339Nano)
		current.CompletedAt = &completedAt
	}
	pre := &docstore.Precondition{Fields: map[string]any{
		"status":              rawStatus,
		"attendingProviderId": emptyToNil(current.AttendingProviderID),
	}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	e.updateProviderStatus(ctx, caller.ID, models.ProviderAvailable, "")
	e.logAudit(ctx, visitID, action, caller, nil)

	if action == "pause" {
		current.Status = models.StatusPaused
	} else {
		current.Status = models.StatusCompleted
	}
	return current, nil
}

// Assign places a soft reservation on a waiting visit. Any provider may
// hand a waiting patient to a colleague; a locked visit cannot be assigned.
func (e *Engine) Assign(ctx context.Context, caller Caller, visitID, providerID string) (models.Visit, error) {
	if providerID == "" {
		return models.Visit{}, fmt.Errorf("provider id is required")
	}
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, rawStatus, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !ValidTransition("assign", current.Status) {
		return models.Visit{}, ErrInvalidTransition
	}
	if owner := current.Ownership(); owner.Kind == models.Locked {
		return models.Visit{}, &LockedError{ProviderName: owner.ProviderName}
	}

	providerName := e.lookupProviderName(ctx, providerID)
	fields := map[string]any{
		"status":                models.StatusWaiting,
		"assignedProviderId":    providerID,
		"assignedProviderName":  providerName,
		"attendingProviderId":   nil,
		"attendingProviderName": nil,
	}
	pre := &docstore.Precondition{Fields: map[string]any{
		"status":              rawStatus,
		"attendingProviderId": nil,
	}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	e.logAudit(ctx, visitID, "assign", caller, map[string]any{"providerId": providerID, "providerName": providerName})

	current.Status = models.StatusWaiting
	current.AssignedProviderID = providerID
	current.AssignedProviderName = providerName
	current.AttendingProviderID = ""
	current.AttendingProviderName = ""
	return current, nil
}

func (e *Engine) MarkNoShow(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	return e.adminStatus(ctx, caller, visitID, "no_show", models.StatusNoShow)
}

func (e *Engine) Cancel(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	return e.adminStatus(ctx, caller, visitID, "cancel", models.StatusCancelled)
}

// Undo resets a no-show or cancelled visit to waiting without touching
// provider or time fields.
func (e *Engine) Undo(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	return e.adminStatus(ctx, caller, visitID, "undo", models.StatusWaiting)
}

func (e *Engine) adminStatus(ctx context.Context, caller Caller, visitID, action, toStatus string) (models.Visit, error) {
	if !caller.Admin {
		return models.Visit{}, ErrPermissionDenied
	}
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, rawStatus, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !ValidTransition(action, current.Status) {
		return models.Visit{}, ErrInvalidTransition
	}
	if current.Status == models.StatusInProgress && e.sessions != nil {
		e.sessions.CloseVisit(ctx, visitID)
	}

	fields := map[string]any{"status": toStatus}
	pre := &docstore.Precondition{Fields: map[string]any{"status": rawStatus}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	e.logAudit(ctx, visitID, action, caller, map[string]any{"previousStatus": current.Status})
	current.Status = toStatus
	return current, nil
}

// Reopen returns a terminal visit to the waiting queue with every provider
// and time field cleared. Admin only; the override is audited.
func (e *Engine) Reopen(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	if !caller.Admin {
		return models.Visit{}, ErrPermissionDenied
	}
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, rawStatus, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !ValidTransition("reopen", current.Status) {
		return models.Visit{}, ErrInvalidTransition
	}

	fields := map[string]any{
		"status":                models.StatusWaiting,
		"attendingProviderId":   nil,
		"attendingProviderName": nil,
		"assignedProviderId":    nil,
		"assignedProviderName":  nil,
		"startedAt":             nil,
		"completedAt":           nil,
	}
	pre := &docstore.Precondition{Fields: map[string]any{"status": rawStatus}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	e.logAudit(ctx, visitID, "reopen", caller, map[string]any{"previousStatus": current.Status})

	current.Status = models.StatusWaiting
	current.AttendingProviderID = ""
	current.AttendingProviderName = ""
	current.AssignedProviderID = ""
	current.AssignedProviderName = ""
	current.StartedAt = nil
	current.CompletedAt = nil
	return current, nil
}

func (e *Engine) ToggleUrgent(ctx context.Context, caller Caller, visitID string) (models.Visit, error) {
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, _, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}

	// The flag is stored only when set, so clearing it removes the field.
	fields := map[string]any{"urgent": urgentValue(!current.Urgent)}
	pre := &docstore.Precondition{Fields: map[string]any{"urgent": urgentValue(current.Urgent)}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	e.logAudit(ctx, visitID, "toggle_urgent", caller, map[string]any{"urgent": !current.Urgent})
	current.Urgent = !current.Urgent
	return current, nil
}

// Reschedule moves a visit to another preferred time on the same day. The
// target slot must be free among non-completed visits.
func (e *Engine) Reschedule(ctx context.Context, caller Caller, visitID, newTime string) (models.Visit, error) {
	if !validSlotTime(newTime) {
		return models.Visit{}, fmt.Errorf("time must be HH:MM")
	}
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, rawStatus, err := e.getVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !ValidTransition("reschedule", current.Status) {
		return models.Visit{}, ErrInvalidTransition
	}
	for _, other := range e.view.Items() {
		if other.ID == visitID || other.Status == models.StatusCompleted {
			continue
		}
		if other.PreferredDate == current.PreferredDate && other.PreferredTime == newTime {
			return models.Visit{}, &SlotConflictError{PatientName: other.PatientName, Date: current.PreferredDate, Time: newTime}
		}
	}

	fields := map[string]any{"preferredTime": newTime}
	pre := &docstore.Precondition{Fields: map[string]any{"status": rawStatus}}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, pre); err != nil {
		return models.Visit{}, mapStoreError(err)
	}

	e.logAudit(ctx, visitID, "reschedule", caller, map[string]any{"newTime": newTime})
	current.PreferredTime = newTime
	return current, nil
}

// Delete permanently removes a visit. Destructive and admin-only; cancel is
// the normal path.
func (e *Engine) Delete(ctx context.Context, caller Caller, visitID string) error {
	if !caller.Admin {
		return ErrPermissionDenied
	}
	unlock := e.lockItem(visitID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.sessions != nil {
		e.sessions.CloseVisit(ctx, visitID)
	}
	if err := e.store.Delete(ctx, docstore.CollectionVisits, visitID); err != nil {
		return mapStoreError(err)
	}
	e.logAudit(ctx, visitID, "delete", caller, nil)
	return nil
}

// SaveClerking buffers a partial clinical note for a visit the caller owns.
// The session layer debounces the actual store write.
func (e *Engine) SaveClerking(ctx context.Context, caller Caller, visitID string, note map[string]any) error {
	if len(note) == 0 {
		return fmt.Errorf("empty clerking note")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, _, err := e.getVisit(ctx, visitID)
	if err != nil {
		return err
	}
	if current.Status != models.StatusInProgress && current.Status != models.StatusPaused {
		return ErrInvalidTransition
	}
	if !caller.Admin && current.AttendingProviderID != caller.ID {
		return &LockedError{ProviderName: current.AttendingProviderName}
	}

	if e.sessions == nil {
		return e.flushDirect(ctx, visitID, note)
	}
	e.sessions.Open(visitID, caller.ID)
	e.sessions.Save(visitID, caller.ID, note)
	return nil
}

// FlushClerking is the explicit save action: flush the caller's buffered
// note immediately instead of waiting out the debounce.
func (e *Engine) FlushClerking(ctx context.Context, caller Caller, visitID string) error {
	if e.sessions == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.sessions.Flush(ctx, visitID, caller.ID)
}

func (e *Engine) flushDirect(ctx context.Context, visitID string, note map[string]any) error {
	fields := map[string]any{"clerkingData": note}
	if err := e.store.UpdateFields(ctx, docstore.CollectionVisits, visitID, fields, nil); err != nil {
		return mapStoreError(err)
	}
	return nil
}

func (e *Engine) attendingElsewhere(providerID, exceptID string) (models.Visit, bool) {
	for _, visit := range e.view.Items() {
		if visit.ID == exceptID {
			continue
		}
		if visit.Status == models.StatusInProgress && visit.AttendingProviderID == providerID {
			return visit, true
		}
	}
	return models.Visit{}, false
}

func (e *Engine) slotConflict(target models.Visit) (models.Visit, bool) {
	for _, visit := range e.view.Items() {
		if visit.ID == target.ID || visit.Status != models.StatusInProgress {
			continue
		}
		if models.SameSlot(visit, target) {
			return visit, true
		}
	}
	return models.Visit{}, false
}

// updateProviderStatus maintains the best-effort provider projection.
// Failures are logged and dropped; correctness never depends on it.
func (e *Engine) updateProviderStatus(ctx context.Context, providerID, status, currentPatientID string) {
	fields := map[string]any{
		"status":           status,
		"currentPatientId": emptyToNil(currentPatientID),
	}
	if err := e.store.UpdateFields(ctx, docstore.CollectionProviders, providerID, fields, nil); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			log.Printf("engine: provider status update failed provider=%s: %v", providerID, err)
		}
	}
}

func (e *Engine) lookupProviderName(ctx context.Context, providerID string) string {
	raw, err := e.store.Get(ctx, docstore.CollectionProviders, providerID)
	if err != nil {
		return "Unknown Provider"
	}
	var provider models.Provider
	if err := json.Unmarshal(raw, &provider); err != nil || provider.DisplayName == "" {
		return "Unknown Provider"
	}
	return provider.DisplayName
}

func (e *Engine) getVisit(ctx context.Context, visitID string) (models.Visit, string, error) {
	raw, err := e.store.Get(ctx, docstore.CollectionVisits, visitID)
	if err != nil {
		return models.Visit{}, "", mapStoreError(err)
	}
	// Preconditions compare against the stored value, which may still be a
	// legacy status label, so keep it alongside the normalized decode.
	var stored struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return models.Visit{}, "", err
	}
	visit, err := models.DecodeVisit(raw)
	if err != nil {
		return models.Visit{}, "", err
	}
	visit.ID = visitID
	return visit, stored.Status, nil
}

func (e *Engine) lockItem(visitID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[visitID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[visitID] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (e *Engine) logAudit(ctx context.Context, visitID, action string, caller Caller, details map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, visitID, action, caller.ID, caller.Name, caller.Admin, details); err != nil {
		log.Printf("engine: audit append failed visit=%s action=%s: %v", visitID, action, err)
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return ErrVisitNotFound
	case errors.Is(err, docstore.ErrStale):
		return ErrStalePrecondition
	default:
		return err
	}
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// urgentValue mirrors how the flag is stored: absent when false.
func urgentValue(urgent bool) any {
	if !urgent {
		return nil
	}
	return true
}

func validSlotTime(value string) bool {
	if len(value) != 5 || value[2] != ':' {
		return false
	}
	_, err := time.Parse("15:04", value)
	return err == nil
}
