package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"clinicq/internal/docstore"
	"clinicq/internal/engine"
	"clinicq/internal/models"
	"clinicq/internal/notify"
	"clinicq/internal/projection"

	"github.com/google/uuid"
)

// Engine is the coordinator surface the handler drives.
type Engine interface {
	CreateIntake(ctx context.Context, input engine.IntakeInput) (string, error)
	StartOrResume(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Pause(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Complete(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Assign(ctx context.Context, caller engine.Caller, visitID, providerID string) (models.Visit, error)
	MarkNoShow(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Cancel(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Reopen(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Undo(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	ToggleUrgent(ctx context.Context, caller engine.Caller, visitID string) (models.Visit, error)
	Reschedule(ctx context.Context, caller engine.Caller, visitID, newTime string) (models.Visit, error)
	Delete(ctx context.Context, caller engine.Caller, visitID string) error
	SaveClerking(ctx context.Context, caller engine.Caller, visitID string, note map[string]any) error
	FlushClerking(ctx context.Context, caller engine.Caller, visitID string) error
}

// View is the projected queue the list endpoints read.
type View interface {
	Items() []models.Visit
	Get(id string) (models.Visit, bool)
}

type Handler struct {
	engine Engine
	view   View
	feed   *notify.Feed
}

func NewHandler(engine Engine, view View, feed *notify.Feed) *Handler {
	return &Handler{engine: engine, view: view, feed: feed}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/visits", h.handleVisits)
	mux.HandleFunc("/api/visits/", h.handleVisit)
	mux.HandleFunc("/api/updates", h.handleUpdates)
	mux.HandleFunc("/api/updates/read", h.handleUpdatesRead)
	mux.HandleFunc("/api/slots", h.handleSlots)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type intakeRequest struct {
	PatientName   string `json:"patient_name"`
	Age           string `json:"age"`
	Phone         string `json:"phone"`
	Service       string `json:"service"`
	Symptoms      string `json:"symptoms"`
	Urgent        bool   `json:"urgent"`
	PreferredDate string `json:"preferred_date"`
	PreferredTime string `json:"preferred_time"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleVisits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListVisits(w, r)
	case http.MethodPost:
		h.handleIntake(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.PatientName = strings.TrimSpace(req.PatientName)
	if req.PatientName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_name is required")
		return
	}
	if req.PreferredTime != "" && !isValidSlot(req.PreferredTime) {
		writeError(w, http.StatusBadRequest, "invalid_request", "preferred_time must be HH:MM")
		return
	}

	id, err := h.engine.CreateIntake(r.Context(), engine.IntakeInput{
		PatientName:   req.PatientName,
		Age:           strings.TrimSpace(req.Age),
		Phone:         strings.TrimSpace(req.Phone),
		Service:       strings.TrimSpace(req.Service),
		Symptoms:      strings.TrimSpace(req.Symptoms),
		Urgent:        req.Urgent,
		PreferredDate: strings.TrimSpace(req.PreferredDate),
		PreferredTime: strings.TrimSpace(req.PreferredTime),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) handleListVisits(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	visits := h.view.Items()
	query := r.URL.Query()
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		visits = projection.ByStatus(visits, status)
	}
	if query.Get("mine") == "1" {
		visits = projection.Mine(visits, caller.ID)
	}
	if term := query.Get("q"); term != "" {
		visits = projection.Search(visits, term)
	}
	if date := strings.TrimSpace(query.Get("date")); date != "" {
		visits = projection.ByDate(visits, date)
	}
	if query.Get("urgent") == "1" {
		visits = projection.UrgentOnly(visits)
	}
	if visits == nil {
		visits = []models.Visit{}
	}
	writeJSON(w, http.StatusOK, visits)
}

func (h *Handler) handleVisit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/visits/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	visitID := parts[0]
	if !isValidUUID(visitID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "visit id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		visit, ok := h.view.Get(visitID)
		if !ok {
			writeError(w, http.StatusNotFound, "visit_not_found", "visit not found")
			return
		}
		writeJSON(w, http.StatusOK, visit)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := h.engine.Delete(r.Context(), caller, visitID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleAction(w, r, caller, visitID, parts[2])
	case len(parts) == 2 && parts[1] == "clerking" && r.Method == http.MethodPost:
		h.handleClerking(w, r, caller, visitID)
	case len(parts) == 3 && parts[1] == "clerking" && parts[2] == "flush" && r.Method == http.MethodPost:
		if err := h.engine.FlushClerking(r.Context(), caller, visitID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type assignRequest struct {
	ProviderID string `json:"provider_id"`
}

type rescheduleRequest struct {
	Time string `json:"time"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, caller engine.Caller, visitID, action string) {
	var visit models.Visit
	var err error
	switch action {
	case "start":
		visit, err = h.engine.StartOrResume(r.Context(), caller, visitID)
	case "pause":
		visit, err = h.engine.Pause(r.Context(), caller, visitID)
	case "complete":
		visit, err = h.engine.Complete(r.Context(), caller, visitID)
	case "assign":
		var req assignRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		req.ProviderID = strings.TrimSpace(req.ProviderID)
		if req.ProviderID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "provider_id is required")
			return
		}
		visit, err = h.engine.Assign(r.Context(), caller, visitID, req.ProviderID)
	case "no-show":
		visit, err = h.engine.MarkNoShow(r.Context(), caller, visitID)
	case "cancel":
		visit, err = h.engine.Cancel(r.Context(), caller, visitID)
	case "reopen":
		visit, err = h.engine.Reopen(r.Context(), caller, visitID)
	case "undo":
		visit, err = h.engine.Undo(r.Context(), caller, visitID)
	case "urgent":
		visit, err = h.engine.ToggleUrgent(r.Context(), caller, visitID)
	case "reschedule":
		var req rescheduleRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		req.Time = strings.TrimSpace(req.Time)
		if !isValidSlot(req.Time) {
			writeError(w, http.StatusBadRequest, "invalid_request", "time must be HH:MM")
			return
		}
		visit, err = h.engine.Reschedule(r.Context(), caller, visitID, req.Time)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleClerking(w http.ResponseWriter, r *http.Request, caller engine.Caller, visitID string) {
	var note map[string]any
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&note); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if len(note) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "clerking note is empty")
		return
	}
	if err := h.engine.SaveClerking(r.Context(), caller, visitID, note); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updates": h.feed.Updates(),
		"unread":  h.feed.Unread(),
	})
}

func (h *Handler) handleUpdatesRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.feed.MarkRead()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "date is required")
		return
	}
	except := strings.TrimSpace(r.URL.Query().Get("except"))
	slots := projection.AvailableSlots(h.view.Items(), date, except)
	if slots == nil {
		slots = []string{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var alreadyAttending *engine.AlreadyAttendingError
	var locked *engine.LockedError
	var reserved *engine.ReservedError
	var slotConflict *engine.SlotConflictError
	switch {
	case errors.Is(err, engine.ErrVisitNotFound):
		return http.StatusNotFound, "visit_not_found", "visit not found"
	case errors.Is(err, engine.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied", "admin access required"
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "visit status does not allow this action"
	case errors.Is(err, engine.ErrStalePrecondition):
		return http.StatusConflict, "stale_precondition", "visit changed concurrently, refresh and retry"
	case errors.As(err, &alreadyAttending):
		return http.StatusConflict, "already_attending", alreadyAttending.Error()
	case errors.As(err, &locked):
		return http.StatusConflict, "locked_by_other", locked.Error()
	case errors.As(err, &reserved):
		return http.StatusConflict, "reserved_for_other", reserved.Error()
	case errors.As(err, &slotConflict):
		return http.StatusConflict, "slot_conflict", slotConflict.Error()
	case errors.Is(err, docstore.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable, retry after reconciling state"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidSlot(value string) bool {
	if len(value) != 5 || value[2] != ':' {
		return false
	}
	for i, r := range value {
		if i == 2 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
