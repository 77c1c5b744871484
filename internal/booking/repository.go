package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrQueueEntryNotFound  = errors.New("queue entry not found")
)

// Store is the transactional boundary of the booking core. Reads outside
// WithTx take no locks and are only used for lookups and reporting.
type Store interface {
	// WithTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back every write otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetQueueEntryByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	CountHigherPriority(ctx context.Context, slotID uuid.UUID, score int) (int, error)

	// Event history
	InsertEvent(ctx context.Context, ev EventLog) (int64, error)
	MarkEventPublished(ctx context.Context, id int64, at time.Time) error
	FindUnpublishedEvents(ctx context.Context, eventType string, before time.Time, limit int) ([]EventLog, error)
}

// Tx is the set of writes available inside a booking transaction. Lock*
// methods take an exclusive row lock held until the transaction ends; the
// slot must always be locked before its appointment or queue entries.
type Tx interface {
	LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	SaveSlot(ctx context.Context, s *Slot) error

	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	IncrementAppointments(ctx context.Context, patientID uuid.UUID) error
	IncrementCancellations(ctx context.Context, patientID uuid.UUID) error

	// LockAppointmentForSlot returns ErrAppointmentNotFound when the slot
	// has no appointment.
	LockAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, slotID, patientID uuid.UUID) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// InsertQueueEntry keeps an existing (slot, patient) entry untouched and
	// returns it with created=false.
	InsertQueueEntry(ctx context.Context, e QueueEntry) (entry *QueueEntry, created bool, err error)
	// LockQueueEntries returns the slot's entries ordered by promotion rank.
	LockQueueEntries(ctx context.Context, slotID uuid.UUID) ([]QueueEntry, error)
	UpdateQueueEntryPriority(ctx context.Context, id uuid.UUID, score int, adminOverride bool) (*QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, id uuid.UUID) error

	// InsertEvent writes an event that must commit or roll back together
	// with the booking change it describes.
	InsertEvent(ctx context.Context, ev EventLog) (int64, error)
}
