package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/priority-slot-booking/internal/config"
)

var (
	ErrSlotLocked              = errors.New("slot is temporarily locked by another booking attempt, please retry")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidPriority         = errors.New("priority score must be non-negative")

	// ErrSlotCompleted means the slot's appointment already took place, so
	// the slot can neither be booked nor waited for.
	ErrSlotCompleted = errors.New("slot appointment is already completed")

	// ErrStore wraps any storage or commit failure. The transaction has been
	// rolled back and the caller decides whether to retry.
	ErrStore = errors.New("booking store failure")
)

var typedErrors = []error{
	ErrSlotNotFound,
	ErrAppointmentNotFound,
	ErrQueueEntryNotFound,
	ErrPatientNotFound,
	ErrSlotLocked,
	ErrInvalidStatusTransition,
	ErrInvalidPriority,
	ErrSlotCompleted,
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSlotLocked)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range typedErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

// Notifier receives booking confirmations produced by promotions.
type Notifier interface {
	PublishBookingConfirmed(ctx context.Context, ev BookingConfirmed) error
}

type Service struct {
	store    Store
	notifier Notifier
	cfg      config.Config
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, cfg config.Config, logger zerolog.Logger) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Service{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.With().Str("component", "booking").Logger(),
		now:      time.Now,
	}
}

// BookSlot books the slot for the patient when it is free, otherwise it
// enqueues the patient. Both decisions happen in a single transaction that
// holds the slot's row lock, so they never interleave with a promotion.
//
// A queued outcome is returned as a result, not an error.
func (s *Service) BookSlot(ctx context.Context, slotID, patientID uuid.UUID) (*BookingResult, error) {
	now := s.now()
	var result *BookingResult
	var created bool

	err := s.store.WithTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}

		if err := slot.TryLock(patientID, now, s.cfg.LockTTL); err != nil {
			return err
		}

		existing, err := tx.LockAppointmentForSlot(ctx, slotID)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("load slot appointment: %w", err)
		}

		// the attempt is decided below either way
		slot.ClearLock()

		if existing == nil {
			appt, err := tx.CreateAppointment(ctx, slotID, patientID)
			if err != nil {
				return err
			}
			slot.Booked = true
			if err := tx.SaveSlot(ctx, slot); err != nil {
				return err
			}
			if err := tx.IncrementAppointments(ctx, patientID); err != nil {
				return err
			}
			result = &BookingResult{Outcome: OutcomeBooked, Appointment: appt}
			created = true
			return nil
		}

		if existing.Status == StatusCompleted {
			return ErrSlotCompleted
		}

		if existing.PatientID == patientID {
			// repeated request from the current occupant
			result = &BookingResult{Outcome: OutcomeBooked, Appointment: existing}
			return tx.SaveSlot(ctx, slot)
		}

		patient, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}

		entry, isNew, err := tx.InsertQueueEntry(ctx, QueueEntry{
			SlotID:        slotID,
			PatientID:     patientID,
			PriorityScore: Score(patient),
			RequestedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := tx.SaveSlot(ctx, slot); err != nil {
			return err
		}

		entries, err := tx.LockQueueEntries(ctx, slotID)
		if err != nil {
			return err
		}

		result = &BookingResult{
			Outcome:  OutcomeQueued,
			Entry:    entry,
			Position: Position(entry, entries),
		}
		created = isNew
		return nil
	})
	if err != nil {
		err = classify(err)
		s.log.Info().Err(err).
			Str("slot_id", slotID.String()).
			Str("patient_id", patientID.String()).
			Msg("booking attempt failed")
		return nil, err
	}

	logger := s.log.Info().
		Str("slot_id", slotID.String()).
		Str("patient_id", patientID.String()).
		Str("outcome", string(result.Outcome))

	switch result.Outcome {
	case OutcomeBooked:
		logger.Str("appointment_id", result.Appointment.ID.String()).Msg("slot booked")
		if created {
			s.logEvent(ctx, EventSlotBooked, &result.Appointment.ID, &slotID, map[string]any{
				"patient_id": patientID.String(),
			})
		}
	case OutcomeQueued:
		logger.Str("entry_id", result.Entry.ID.String()).
			Int("priority_score", result.Entry.PriorityScore).
			Int("position", result.Position).
			Msg("patient queued")
		if created {
			s.logEvent(ctx, EventPatientQueued, nil, &slotID, map[string]any{
				"patient_id":     patientID.String(),
				"entry_id":       result.Entry.ID.String(),
				"priority_score": result.Entry.PriorityScore,
			})
		}
	}

	return result, nil
}

// CancelAppointment retires a booked appointment and hands the slot to the
// highest ranked waiting patient, or frees it when nobody is waiting. The
// cancellation record and the booking confirmation are written in the same
// transaction, so a committed promotion always has a confirmation for the
// relay to deliver.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID uuid.UUID) (*CancelResult, error) {
	appt, err := s.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, classify(err)
	}

	var result *CancelResult
	var confirmation BookingConfirmed
	var confirmationID int64

	err = s.store.WithTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, appt.SlotID)
		if err != nil {
			return err
		}

		current, err := s.lockAppointment(ctx, tx, slot.ID, appointmentID)
		if err != nil {
			return err
		}
		if current.Status != StatusBooked {
			return ErrInvalidStatusTransition
		}

		entries, err := tx.LockQueueEntries(ctx, slot.ID)
		if err != nil {
			return err
		}

		// the old row goes first: a slot holds one appointment at a time
		if err := tx.DeleteAppointment(ctx, current.ID); err != nil {
			return err
		}
		if _, err := s.recordEvent(ctx, tx, EventAppointmentCancelled, &current.ID, &slot.ID, map[string]any{
			"patient_id": current.PatientID.String(),
		}); err != nil {
			return err
		}

		counters := counterDeltas{}
		counters.cancellation(current.PatientID)
		result = &CancelResult{SlotID: slot.ID, Cancelled: *current}

		next := NextInLine(entries)
		if next == nil {
			slot.Booked = false
			if err := tx.SaveSlot(ctx, slot); err != nil {
				return err
			}
			return counters.apply(ctx, tx)
		}

		if err := tx.DeleteQueueEntry(ctx, next.ID); err != nil {
			return err
		}
		promoted, err := tx.CreateAppointment(ctx, slot.ID, next.PatientID)
		if err != nil {
			return err
		}
		counters.appointment(next.PatientID)

		slot.Booked = true
		if err := tx.SaveSlot(ctx, slot); err != nil {
			return err
		}

		confirmation = BookingConfirmed{
			AppointmentID: promoted.ID,
			PatientID:     promoted.PatientID,
			SlotID:        slot.ID,
			ProviderID:    slot.ProviderID,
			Date:          slot.Date.Format(time.DateOnly),
			StartTime:     slot.StartTime,
			ConfirmedAt:   promoted.CreatedAt,
		}
		confirmationID, err = s.recordEvent(ctx, tx, EventBookingConfirmed, &promoted.ID, &slot.ID, confirmation)
		if err != nil {
			return err
		}

		promotedFrom := *next
		result.Promoted = promoted
		result.PromotedFrom = &promotedFrom
		return counters.apply(ctx, tx)
	})
	if err != nil {
		err = classify(err)
		s.log.Warn().Err(err).
			Str("appointment_id", appointmentID.String()).
			Msg("cancellation failed")
		return nil, err
	}

	if result.SlotFreed() {
		s.log.Info().
			Str("appointment_id", appointmentID.String()).
			Str("slot_id", result.SlotID.String()).
			Msg("appointment cancelled, slot freed")
		s.logEvent(ctx, EventSlotFreed, nil, &result.SlotID, map[string]any{})
		return result, nil
	}

	s.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("slot_id", result.SlotID.String()).
		Str("promoted_patient_id", result.Promoted.PatientID.String()).
		Str("promoted_appointment_id", result.Promoted.ID.String()).
		Int("priority_score", result.PromotedFrom.PriorityScore).
		Msg("appointment cancelled, waiting patient promoted")

	s.logEvent(ctx, EventPatientPromoted, &result.Promoted.ID, &result.SlotID, map[string]any{
		"patient_id":     result.Promoted.PatientID.String(),
		"entry_id":       result.PromotedFrom.ID.String(),
		"priority_score": result.PromotedFrom.PriorityScore,
	})

	s.notifyBookingConfirmed(ctx, confirmationID, confirmation)

	return result, nil
}

// CompleteAppointment is the provider's Booked -> Completed transition. A
// completed slot never frees again, so its waiting entries are dropped in
// the same transaction.
func (s *Service) CompleteAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, classify(err)
	}

	var updated *Appointment
	var dropped []QueueEntry
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSlot(ctx, appt.SlotID); err != nil {
			return err
		}
		current, err := s.lockAppointment(ctx, tx, appt.SlotID, appointmentID)
		if err != nil {
			return err
		}
		if current.Status != StatusBooked {
			return ErrInvalidStatusTransition
		}
		updated, err = tx.UpdateAppointmentStatus(ctx, current.ID, StatusBooked, StatusCompleted)
		if errors.Is(err, ErrAppointmentNotFound) {
			return ErrInvalidStatusTransition
		}
		if err != nil {
			return err
		}

		dropped, err = tx.LockQueueEntries(ctx, appt.SlotID)
		if err != nil {
			return err
		}
		for _, e := range dropped {
			if err := tx.DeleteQueueEntry(ctx, e.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	s.log.Info().
		Str("appointment_id", appointmentID.String()).
		Int("dropped_entries", len(dropped)).
		Msg("appointment completed")
	s.logEvent(ctx, EventAppointmentCompleted, &appointmentID, &updated.SlotID, map[string]any{})
	for _, e := range dropped {
		s.logEvent(ctx, EventQueueEntryWithdrawn, nil, &e.SlotID, map[string]any{
			"entry_id":   e.ID.String(),
			"patient_id": e.PatientID.String(),
			"reason":     "slot completed",
		})
	}

	return updated, nil
}

// QueuePosition is 1 plus the number of entries for the same slot with a
// strictly higher score. It is an approximate rank: equal scores share a
// position.
func (s *Service) QueuePosition(ctx context.Context, entryID uuid.UUID) (int, error) {
	entry, err := s.store.GetQueueEntryByID(ctx, entryID)
	if err != nil {
		return 0, classify(err)
	}
	higher, err := s.store.CountHigherPriority(ctx, entry.SlotID, entry.PriorityScore)
	if err != nil {
		return 0, classify(err)
	}
	return 1 + higher, nil
}

// Withdraw removes a waiting patient from a slot's queue under the same
// slot-first lock order as promotion.
func (s *Service) Withdraw(ctx context.Context, entryID uuid.UUID) error {
	entry, err := s.store.GetQueueEntryByID(ctx, entryID)
	if err != nil {
		return classify(err)
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSlot(ctx, entry.SlotID); err != nil {
			return err
		}
		if _, err := lockQueueEntry(ctx, tx, entry.SlotID, entryID); err != nil {
			return err
		}
		return tx.DeleteQueueEntry(ctx, entryID)
	})
	if err != nil {
		return classify(err)
	}

	s.log.Info().
		Str("entry_id", entryID.String()).
		Str("slot_id", entry.SlotID.String()).
		Msg("queue entry withdrawn")
	s.logEvent(ctx, EventQueueEntryWithdrawn, nil, &entry.SlotID, map[string]any{
		"entry_id":   entryID.String(),
		"patient_id": entry.PatientID.String(),
	})

	return nil
}

// OverridePriority pins an entry's score. Pinned scores are never
// recomputed.
func (s *Service) OverridePriority(ctx context.Context, entryID uuid.UUID, score int) (*QueueEntry, error) {
	if score < 0 {
		return nil, ErrInvalidPriority
	}

	entry, err := s.store.GetQueueEntryByID(ctx, entryID)
	if err != nil {
		return nil, classify(err)
	}

	var updated *QueueEntry
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSlot(ctx, entry.SlotID); err != nil {
			return err
		}
		if _, err := lockQueueEntry(ctx, tx, entry.SlotID, entryID); err != nil {
			return err
		}
		updated, err = tx.UpdateQueueEntryPriority(ctx, entryID, score, true)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	s.log.Info().
		Str("entry_id", entryID.String()).
		Int("from", entry.PriorityScore).
		Int("to", score).
		Msg("queue priority overridden")
	s.logEvent(ctx, EventPriorityOverridden, nil, &entry.SlotID, map[string]any{
		"entry_id": entryID.String(),
		"from":     entry.PriorityScore,
		"to":       score,
	})

	return updated, nil
}

// HoldSlot commits a temporary lock for the patient so that only they can
// book the slot until the lock lapses.
func (s *Service) HoldSlot(ctx context.Context, slotID, patientID uuid.UUID) (*Slot, error) {
	now := s.now()
	var held *Slot

	err := s.store.WithTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if _, err := tx.GetPatient(ctx, patientID); err != nil {
			return err
		}
		if err := slot.TryLock(patientID, now, s.cfg.LockTTL); err != nil {
			return err
		}
		if err := tx.SaveSlot(ctx, slot); err != nil {
			return err
		}
		held = slot
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	s.log.Debug().
		Str("slot_id", slotID.String()).
		Str("patient_id", patientID.String()).
		Time("locked_until", *held.LockedUntil).
		Msg("slot held")

	return held, nil
}

// ReleaseHold drops the patient's temporary lock. It is a no-op when the
// patient does not hold it.
func (s *Service) ReleaseHold(ctx context.Context, slotID, patientID uuid.UUID) error {
	err := s.store.WithTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.ReleaseLock(patientID) {
			return nil
		}
		return tx.SaveSlot(ctx, slot)
	})
	return classify(err)
}

// lockAppointment must run after the slot is locked.
func (s *Service) lockAppointment(ctx context.Context, tx Tx, slotID, appointmentID uuid.UUID) (*Appointment, error) {
	current, err := tx.LockAppointmentForSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if current.ID != appointmentID {
		// retired by a transaction that committed before we got the lock
		return nil, ErrAppointmentNotFound
	}
	return current, nil
}

func lockQueueEntry(ctx context.Context, tx Tx, slotID, entryID uuid.UUID) (*QueueEntry, error) {
	entries, err := tx.LockQueueEntries(ctx, slotID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == entryID {
			return &entries[i], nil
		}
	}
	return nil, ErrQueueEntryNotFound
}

// counterDeltas collects patient counter changes so they can be written in
// patient id order. Two promotions on different slots touching the same
// pair of patients then lock the patient rows in the same order.
type counterDeltas map[uuid.UUID]*[2]int

func (c counterDeltas) appointment(id uuid.UUID)  { c.get(id)[0]++ }
func (c counterDeltas) cancellation(id uuid.UUID) { c.get(id)[1]++ }

func (c counterDeltas) get(id uuid.UUID) *[2]int {
	d, ok := c[id]
	if !ok {
		d = &[2]int{}
		c[id] = d
	}
	return d
}

func (c counterDeltas) apply(ctx context.Context, tx Tx) error {
	ids := make([]uuid.UUID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	for _, id := range ids {
		d := c[id]
		for n := 0; n < d[0]; n++ {
			if err := tx.IncrementAppointments(ctx, id); err != nil {
				return err
			}
		}
		for n := 0; n < d[1]; n++ {
			if err := tx.IncrementCancellations(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}
