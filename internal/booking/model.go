package booking

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCompleted AppointmentStatus = "completed"
)

type Category string

const (
	CategoryEmergency Category = "emergency"
	CategorySenior    Category = "senior"
	CategoryNormal    Category = "normal"
)

// Patient carries the attributes owned by the identity collaborator. The
// counters are only ever changed by booking and cancellation transactions.
type Patient struct {
	ID                 uuid.UUID
	Name               string
	Email              *string
	Age                *int
	Category           Category
	TotalAppointments  int
	TotalCancellations int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CancellationRate returns cancellations as a percentage of appointments,
// rounded to two decimals.
func (p *Patient) CancellationRate() float64 {
	if p.TotalAppointments == 0 {
		return 0
	}
	rate := float64(p.TotalCancellations) / float64(p.TotalAppointments) * 100
	return math.Round(rate*100) / 100
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is unique on (ProviderID, Date, StartTime). StartTime is "HH:MM".
type Slot struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	Date        time.Time
	StartTime   string
	Booked      bool
	LockedUntil *time.Time
	LockedBy    *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Appointment struct {
	ID        uuid.UUID
	SlotID    uuid.UUID
	PatientID uuid.UUID
	Status    AppointmentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type QueueEntry struct {
	ID            uuid.UUID
	SlotID        uuid.UUID
	PatientID     uuid.UUID
	PriorityScore int
	RequestedAt   time.Time
	AdminOverride bool
}

type Outcome string

const (
	OutcomeBooked Outcome = "booked"
	OutcomeQueued Outcome = "queued"
)

// BookingResult is the tagged result of BookSlot. Exactly one of Appointment
// and Entry is set, matching Outcome.
type BookingResult struct {
	Outcome     Outcome
	Appointment *Appointment
	Entry       *QueueEntry
	Position    int
}

func (r *BookingResult) Queued() bool {
	return r.Outcome == OutcomeQueued
}

// CancelResult reports how a cancellation left the slot.
type CancelResult struct {
	SlotID       uuid.UUID
	Cancelled    Appointment
	Promoted     *Appointment
	PromotedFrom *QueueEntry
}

// SlotFreed is true when nobody was waiting and the slot is open again.
func (r *CancelResult) SlotFreed() bool {
	return r.Promoted == nil
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// BookingConfirmed is handed to the notification collaborator after a
// promotion.
type BookingConfirmed struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	SlotID        uuid.UUID `json:"slot_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	Date          string    `json:"date"`
	StartTime     string    `json:"start_time"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}
