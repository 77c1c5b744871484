package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const (
	slotColumns        = `id, provider_id, slot_date, left(start_time::text, 5), booked, locked_until, locked_by, created_at, updated_at`
	patientColumns     = `id, name, email, age, category, total_appointments, total_cancellations, created_at, updated_at`
	appointmentColumns = `id, slot_id, patient_id, status, created_at, updated_at`
	queueEntryColumns  = `id, slot_id, patient_id, priority_score, requested_at, admin_override`
	eventColumns       = `id, event_type, appointment_id, slot_id, payload, created_at, published_at`
)

// PgStore implements Store on PostgreSQL. Row locks are plain
// SELECT ... FOR UPDATE inside a READ COMMITTED transaction, so a waiter
// sees the previous holder's committed writes once it gets the lock.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.Date,
		&s.StartTime,
		&s.Booked,
		&s.LockedUntil,
		&s.LockedBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Age,
		&p.Category,
		&p.TotalAppointments,
		&p.TotalCancellations,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.SlotID,
		&e.PatientID,
		&e.PriorityScore,
		&e.RequestedAt,
		&e.AdminOverride,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanEvent(row pgx.Row) (*EventLog, error) {
	var ev EventLog
	err := row.Scan(
		&ev.ID,
		&ev.EventType,
		&ev.AppointmentID,
		&ev.SlotID,
		&ev.Payload,
		&ev.CreatedAt,
		&ev.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Store methods

func (s *PgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PgStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) GetQueueEntryByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueEntryColumns+`
		FROM queue_entries
		WHERE id = $1
	`, id)
	return scanQueueEntry(row)
}

func (s *PgStore) CountHigherPriority(ctx context.Context, slotID uuid.UUID, score int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE slot_id = $1
		  AND priority_score > $2
	`, slotID, score).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return n, nil
}

func (s *PgStore) InsertEvent(ctx context.Context, ev EventLog) (int64, error) {
	return insertEvent(ctx, s.pool, ev)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertEvent(ctx context.Context, q rowQuerier, ev EventLog) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING id
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event log: %w", err)
	}
	return id, nil
}

func (s *PgStore) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_logs
		SET published_at = $2
		WHERE id = $1
		  AND published_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

func (s *PgStore) FindUnpublishedEvents(ctx context.Context, eventType string, before time.Time, limit int) ([]EventLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_logs
		WHERE event_type = $1
		  AND published_at IS NULL
		  AND created_at < $2
		ORDER BY id
		LIMIT $3
	`, eventType, before, limit)
	if err != nil {
		return nil, fmt.Errorf("find unpublished events: %w", err)
	}
	defer rows.Close()

	var result []EventLog
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Tx methods

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanSlot(row)
}

func (t *pgTx) SaveSlot(ctx context.Context, s *Slot) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET booked = $2,
		    locked_until = $3,
		    locked_by = $4,
		    updated_at = now()
		WHERE id = $1
	`, s.ID, s.Booked, s.LockedUntil, s.LockedBy)
	if err != nil {
		return fmt.Errorf("save slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (t *pgTx) IncrementAppointments(ctx context.Context, patientID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE patients
		SET total_appointments = total_appointments + 1,
		    updated_at = now()
		WHERE id = $1
	`, patientID)
	if err != nil {
		return fmt.Errorf("increment appointments: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (t *pgTx) IncrementCancellations(ctx context.Context, patientID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE patients
		SET total_cancellations = total_cancellations + 1,
		    updated_at = now()
		WHERE id = $1
	`, patientID)
	if err != nil {
		return fmt.Errorf("increment cancellations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (t *pgTx) LockAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1
		FOR UPDATE
	`, slotID)
	return scanAppointment(row)
}

func (t *pgTx) CreateAppointment(ctx context.Context, slotID, patientID uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, slot_id, patient_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'booked', now(), now())
		RETURNING `+appointmentColumns+`
	`, uuid.New(), slotID, patientID)

	appt, err := scanAppointment(row)
	if err != nil {
		switch pgErrorCode(err) {
		case pgForeignKeyViolation:
			return nil, ErrPatientNotFound
		case pgUniqueViolation:
			return nil, fmt.Errorf("slot %s already has an appointment: %w", slotID, err)
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (t *pgTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) InsertQueueEntry(ctx context.Context, e QueueEntry) (*QueueEntry, bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	row := t.tx.QueryRow(ctx, `
		INSERT INTO queue_entries (id, slot_id, patient_id, priority_score, requested_at, admin_override)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()), $6)
		ON CONFLICT (slot_id, patient_id) DO NOTHING
		RETURNING `+queueEntryColumns+`
	`, e.ID, e.SlotID, e.PatientID, e.PriorityScore, nullableTime(e.RequestedAt), e.AdminOverride)

	created, err := scanQueueEntry(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrQueueEntryNotFound) {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return nil, false, ErrPatientNotFound
		}
		return nil, false, fmt.Errorf("insert queue entry: %w", err)
	}

	// conflict: the patient is already waiting for this slot
	row = t.tx.QueryRow(ctx, `
		SELECT `+queueEntryColumns+`
		FROM queue_entries
		WHERE slot_id = $1 AND patient_id = $2
	`, e.SlotID, e.PatientID)
	existing, err := scanQueueEntry(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing queue entry: %w", err)
	}
	return existing, false, nil
}

func (t *pgTx) LockQueueEntries(ctx context.Context, slotID uuid.UUID) ([]QueueEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+queueEntryColumns+`
		FROM queue_entries
		WHERE slot_id = $1
		ORDER BY priority_score DESC, requested_at ASC, id ASC
		FOR UPDATE
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("lock queue entries: %w", err)
	}
	defer rows.Close()

	var result []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (t *pgTx) UpdateQueueEntryPriority(ctx context.Context, id uuid.UUID, score int, adminOverride bool) (*QueueEntry, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET priority_score = $2,
		    admin_override = $3
		WHERE id = $1
		RETURNING `+queueEntryColumns+`
	`, id, score, adminOverride)
	return scanQueueEntry(row)
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) (int64, error) {
	return insertEvent(ctx, t.tx, ev)
}

func (t *pgTx) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}
