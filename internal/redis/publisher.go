package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/priority-slot-booking/internal/booking"
)

// StreamPublisher appends booking confirmations to a Redis stream that the
// notification service consumes. It implements booking.Notifier.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

func (p *StreamPublisher) PublishBookingConfirmed(ctx context.Context, ev booking.BookingConfirmed) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal booking confirmation: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":           booking.EventBookingConfirmed,
			"appointment_id": ev.AppointmentID.String(),
			"patient_id":     ev.PatientID.String(),
			"payload":        string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
