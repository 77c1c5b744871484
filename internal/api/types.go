package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hackgods/priority-slot-booking/internal/booking"
)

var validate = validator.New()

type PatientRequest struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
}

// Score is a pointer so that an explicit 0 passes "required".
type OverridePriorityRequest struct {
	Score *int `json:"score" validate:"required"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	SlotID    uuid.UUID `json:"slot_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type QueueEntryResponse struct {
	ID            uuid.UUID `json:"id"`
	SlotID        uuid.UUID `json:"slot_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	PriorityScore int       `json:"priority_score"`
	RequestedAt   time.Time `json:"requested_at"`
	AdminOverride bool      `json:"admin_override"`
}

type BookingResponse struct {
	Outcome     string               `json:"outcome"`
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
	Entry       *QueueEntryResponse  `json:"queue_entry,omitempty"`
	Position    int                  `json:"position,omitempty"`
}

type CancelResponse struct {
	SlotID    uuid.UUID            `json:"slot_id"`
	SlotFreed bool                 `json:"slot_freed"`
	Promoted  *AppointmentResponse `json:"promoted,omitempty"`
}

type HoldResponse struct {
	SlotID      uuid.UUID  `json:"slot_id"`
	LockedBy    *uuid.UUID `json:"locked_by"`
	LockedUntil *time.Time `json:"locked_until"`
}

type PositionResponse struct {
	EntryID  uuid.UUID `json:"entry_id"`
	Position int       `json:"position"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:        a.ID,
		SlotID:    a.SlotID,
		PatientID: a.PatientID,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
	}
}

func toQueueEntryResponse(e *booking.QueueEntry) *QueueEntryResponse {
	if e == nil {
		return nil
	}
	return &QueueEntryResponse{
		ID:            e.ID,
		SlotID:        e.SlotID,
		PatientID:     e.PatientID,
		PriorityScore: e.PriorityScore,
		RequestedAt:   e.RequestedAt,
		AdminOverride: e.AdminOverride,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
