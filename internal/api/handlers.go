package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/priority-slot-booking/internal/booking"
)

// handlers adapts BookingService to HTTP. lockTTL is the configured
// temporary lock lifetime advertised in Retry-After.
type handlers struct {
	svc     BookingService
	lockTTL time.Duration
}

func (h *handlers) bookSlot(w http.ResponseWriter, r *http.Request) {
	slotID, ok := urlUUID(w, r, "id", "invalid_slot_id")
	if !ok {
		return
	}
	patientID, ok := decodePatient(w, r)
	if !ok {
		return
	}

	res, err := h.svc.BookSlot(r.Context(), slotID, patientID)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	resp := BookingResponse{
		Outcome:     string(res.Outcome),
		Appointment: toAppointmentResponse(res.Appointment),
		Entry:       toQueueEntryResponse(res.Entry),
		Position:    res.Position,
	}

	// queued is accepted-but-waiting, never a failure
	status := http.StatusCreated
	if res.Queued() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *handlers) holdSlot(w http.ResponseWriter, r *http.Request) {
	slotID, ok := urlUUID(w, r, "id", "invalid_slot_id")
	if !ok {
		return
	}
	patientID, ok := decodePatient(w, r)
	if !ok {
		return
	}

	slot, err := h.svc.HoldSlot(r.Context(), slotID, patientID)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, HoldResponse{
		SlotID:      slot.ID,
		LockedBy:    slot.LockedBy,
		LockedUntil: slot.LockedUntil,
	})
}

func (h *handlers) releaseHold(w http.ResponseWriter, r *http.Request) {
	slotID, ok := urlUUID(w, r, "id", "invalid_slot_id")
	if !ok {
		return
	}
	patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	if err := h.svc.ReleaseHold(r.Context(), slotID, patientID); err != nil {
		h.writeBookingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}

	res, err := h.svc.CancelAppointment(r.Context(), id)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{
		SlotID:    res.SlotID,
		SlotFreed: res.SlotFreed(),
		Promoted:  toAppointmentResponse(res.Promoted),
	})
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}

	appt, err := h.svc.CompleteAppointment(r.Context(), id)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) queuePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id", "invalid_entry_id")
	if !ok {
		return
	}

	pos, err := h.svc.QueuePosition(r.Context(), id)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PositionResponse{EntryID: id, Position: pos})
}

func (h *handlers) withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id", "invalid_entry_id")
	if !ok {
		return
	}

	if err := h.svc.Withdraw(r.Context(), id); err != nil {
		h.writeBookingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) overridePriority(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id", "invalid_entry_id")
	if !ok {
		return
	}

	var req OverridePriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || validate.Struct(req) != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "score is required")
		return
	}

	entry, err := h.svc.OverridePriority(r.Context(), id, *req.Score)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
}

func urlUUID(w http.ResponseWriter, r *http.Request, param, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodePatient(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req PatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return uuid.Nil, false
	}

	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return uuid.Nil, false
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return uuid.Nil, false
	}
	return patientID, true
}

func (h *handlers) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrQueueEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotLocked):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(h.lockTTL)))
		writeError(w, http.StatusConflict, "slot_locked", err.Error())
	case errors.Is(err, booking.ErrSlotCompleted):
		writeError(w, http.StatusConflict, "slot_completed", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, "invalid_priority", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "booking could not be completed")
	}
}

// retryAfterSeconds rounds the lock lifetime up to whole seconds.
func retryAfterSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		ttl = booking.DefaultLockTTL
	}
	return int((ttl + time.Second - 1) / time.Second)
}
