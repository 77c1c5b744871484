package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventSlotBooked           = "SLOT_BOOKED"
	EventPatientQueued        = "PATIENT_QUEUED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventPatientPromoted      = "PATIENT_PROMOTED"
	EventSlotFreed            = "SLOT_FREED"
	EventBookingConfirmed     = "BOOKING_CONFIRMED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventQueueEntryWithdrawn  = "QUEUE_ENTRY_WITHDRAWN"
	EventPriorityOverridden   = "PRIORITY_OVERRIDDEN"
)

// afterCommitTimeout bounds the best-effort writes and the publish that run
// once a booking transaction has committed.
const afterCommitTimeout = 3 * time.Second

// afterCommit detaches ctx from the request so a client disconnect right
// after commit does not drop the follow-up writes.
func afterCommit(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), afterCommitTimeout)
}

func (s *Service) newEvent(eventType string, appointmentID, slotID *uuid.UUID, payload any) EventLog {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}
	return EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
}

// recordEvent writes the event inside tx, so it exists exactly when the
// change it describes commits.
func (s *Service) recordEvent(ctx context.Context, tx Tx, eventType string, appointmentID, slotID *uuid.UUID, payload any) (int64, error) {
	id, err := tx.InsertEvent(ctx, s.newEvent(eventType, appointmentID, slotID, payload))
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", eventType, err)
	}
	return id, nil
}

// logEvent appends to the event history after commit. Failures are logged
// and never undo the booking.
func (s *Service) logEvent(ctx context.Context, eventType string, appointmentID, slotID *uuid.UUID, payload map[string]any) {
	ctx, cancel := afterCommit(ctx)
	defer cancel()

	if _, err := s.store.InsertEvent(ctx, s.newEvent(eventType, appointmentID, slotID, payload)); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
}

// notifyBookingConfirmed hands an already recorded confirmation to the
// notifier. A failed publish leaves the event unpublished for the relay.
func (s *Service) notifyBookingConfirmed(ctx context.Context, eventID int64, ev BookingConfirmed) {
	ctx, cancel := afterCommit(ctx)
	defer cancel()

	s.publish(ctx, eventID, ev)
}

func (s *Service) publish(ctx context.Context, eventID int64, ev BookingConfirmed) bool {
	if s.notifier == nil {
		return false
	}

	if err := s.notifier.PublishBookingConfirmed(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Int64("event_id", eventID).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("booking confirmation not delivered to notifier")
		return false
	}

	if err := s.store.MarkEventPublished(ctx, eventID, s.now()); err != nil {
		s.log.Warn().Err(err).Int64("event_id", eventID).Msg("failed to mark event published")
	}
	return true
}

// RelayUnpublished republishes booking confirmations that are older than
// minAge and were never handed to the notifier. It returns how many were
// published.
func (s *Service) RelayUnpublished(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	events, err := s.store.FindUnpublishedEvents(ctx, EventBookingConfirmed, s.now().Add(-minAge), limit)
	if err != nil {
		return 0, fmt.Errorf("find unpublished confirmations: %w", err)
	}

	published := 0
	for _, stored := range events {
		var ev BookingConfirmed
		if err := json.Unmarshal(stored.Payload, &ev); err != nil {
			s.log.Error().Err(err).Int64("event_id", stored.ID).Msg("skipping unreadable booking confirmation")
			continue
		}
		if s.publish(ctx, stored.ID, ev) {
			published++
		}
	}

	return published, nil
}
