package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/priority-slot-booking/internal/booking"
)

// BookingService is the caller surface of the booking core.
type BookingService interface {
	BookSlot(ctx context.Context, slotID, patientID uuid.UUID) (*booking.BookingResult, error)
	HoldSlot(ctx context.Context, slotID, patientID uuid.UUID) (*booking.Slot, error)
	ReleaseHold(ctx context.Context, slotID, patientID uuid.UUID) error
	CancelAppointment(ctx context.Context, id uuid.UUID) (*booking.CancelResult, error)
	CompleteAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	QueuePosition(ctx context.Context, entryID uuid.UUID) (int, error)
	Withdraw(ctx context.Context, entryID uuid.UUID) error
	OverridePriority(ctx context.Context, entryID uuid.UUID, score int) (*booking.QueueEntry, error)
}

type RouterConfig struct {
	Service      BookingService
	Logger       zerolog.Logger
	PingPostgres PingFunc
	PingRedis    PingFunc
	Env          string
	Version      string
	// LockTTL is the configured temporary lock lifetime. Zero means
	// booking.DefaultLockTTL.
	LockTTL time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PingPostgres, cfg.PingRedis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{svc: cfg.Service, lockTTL: cfg.LockTTL}

	r.Route("/slots/{id}", func(r chi.Router) {
		r.Post("/book", h.bookSlot)
		r.Post("/hold", h.holdSlot)
		r.Delete("/hold", h.releaseHold)
	})

	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Post("/cancel", h.cancelAppointment)
		r.Post("/complete", h.completeAppointment)
	})

	r.Route("/queue-entries/{id}", func(r chi.Router) {
		r.Get("/position", h.queuePosition)
		r.Put("/priority", h.overridePriority)
		r.Delete("/", h.withdraw)
	})

	return r
}
