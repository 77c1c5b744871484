package booking

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store. A single mutex serialises transactions,
// which is stricter than per-slot row locks but gives the same per-slot
// ordering. A failed transaction restores the snapshot taken at its start.
type memStore struct {
	mu           sync.Mutex
	slots        map[uuid.UUID]*Slot
	patients     map[uuid.UUID]*Patient
	appointments map[uuid.UUID]*Appointment
	entries      map[uuid.UUID]*QueueEntry
	failOn       map[string]error
	// committed runs after every successful commit. It must not call back
	// into the store.
	committed func()

	evMu        sync.Mutex
	events      []EventLog
	lastEventID int64
	eventErr    error
}

func newMemStore() *memStore {
	return &memStore{
		slots:        make(map[uuid.UUID]*Slot),
		patients:     make(map[uuid.UUID]*Patient),
		appointments: make(map[uuid.UUID]*Appointment),
		entries:      make(map[uuid.UUID]*QueueEntry),
		failOn:       make(map[string]error),
	}
}

type memSnapshot struct {
	slots        map[uuid.UUID]*Slot
	patients     map[uuid.UUID]*Patient
	appointments map[uuid.UUID]*Appointment
	entries      map[uuid.UUID]*QueueEntry
}

func cloneMap[T any](in map[uuid.UUID]*T) map[uuid.UUID]*T {
	out := make(map[uuid.UUID]*T, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}

func (m *memStore) snapshot() memSnapshot {
	return memSnapshot{
		slots:        cloneMap(m.slots),
		patients:     cloneMap(m.patients),
		appointments: cloneMap(m.appointments),
		entries:      cloneMap(m.entries),
	}
}

func (m *memStore) restore(s memSnapshot) {
	m.slots = s.slots
	m.patients = s.patients
	m.appointments = s.appointments
	m.entries = s.entries
}

// appendEvent assigns the next id. Callers hold evMu.
func (m *memStore) appendEvent(ev EventLog) int64 {
	m.lastEventID++
	ev.ID = m.lastEventID
	m.events = append(m.events, ev)
	return ev.ID
}

// dropEvents removes events written by a rolled back transaction and
// leaves concurrent post-commit writes alone.
func (m *memStore) dropEvents(ids []int64) {
	if len(ids) == 0 {
		return
	}
	m.evMu.Lock()
	defer m.evMu.Unlock()
	kept := m.events[:0]
	for _, ev := range m.events {
		if !slices.Contains(ids, ev.ID) {
			kept = append(kept, ev)
		}
	}
	m.events = kept
}

func (m *memStore) fail(op string) error {
	return m.failOn[op]
}

// Fixtures

func (m *memStore) addPatient(age *int, category Category) *Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Patient{ID: uuid.New(), Name: "patient", Age: age, Category: category}
	m.patients[p.ID] = p
	c := *p
	return &c
}

func (m *memStore) addSlot() *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Slot{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		Date:       time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC),
		StartTime:  "09:30",
	}
	m.slots[s.ID] = s
	c := *s
	return &c
}

func (m *memStore) slot(id uuid.UUID) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.slots[id]
}

func (m *memStore) patient(id uuid.UUID) Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.patients[id]
}

func (m *memStore) appointmentsForSlot(slotID uuid.UUID) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.SlotID == slotID {
			out = append(out, *a)
		}
	}
	return out
}

func (m *memStore) entriesForSlot(slotID uuid.UUID) []QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueEntry
	for _, e := range m.entries {
		if e.SlotID == slotID {
			out = append(out, *e)
		}
	}
	return out
}

func (m *memStore) eventsOfType(eventType string) []EventLog {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	var out []EventLog
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Store

func (m *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("Begin"); err != nil {
		return err
	}

	snap := m.snapshot()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		m.restore(snap)
		m.dropEvents(tx.events)
		return err
	}
	if err := m.fail("Commit"); err != nil {
		m.restore(snap)
		m.dropEvents(tx.events)
		return err
	}
	if m.committed != nil {
		m.committed()
	}
	return nil
}

func (m *memStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	c := *a
	return &c, nil
}

func (m *memStore) GetQueueEntryByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrQueueEntryNotFound
	}
	c := *e
	return &c, nil
}

func (m *memStore) CountHigherPriority(ctx context.Context, slotID uuid.UUID, score int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.SlotID == slotID && e.PriorityScore > score {
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertEvent(ctx context.Context, ev EventLog) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.eventErr != nil {
		return 0, m.eventErr
	}
	return m.appendEvent(ev), nil
}

func (m *memStore) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id && m.events[i].PublishedAt == nil {
			t := at
			m.events[i].PublishedAt = &t
		}
	}
	return nil
}

func (m *memStore) FindUnpublishedEvents(ctx context.Context, eventType string, before time.Time, limit int) ([]EventLog, error) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	var out []EventLog
	for _, ev := range m.events {
		if ev.EventType == eventType && ev.PublishedAt == nil && ev.CreatedAt.Before(before) {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tx

type memTx struct {
	m      *memStore
	events []int64
}

func (t *memTx) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	if err := t.m.fail("LockSlot"); err != nil {
		return nil, err
	}
	s, ok := t.m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	c := *s
	return &c, nil
}

func (t *memTx) SaveSlot(ctx context.Context, s *Slot) error {
	if err := t.m.fail("SaveSlot"); err != nil {
		return err
	}
	if _, ok := t.m.slots[s.ID]; !ok {
		return ErrSlotNotFound
	}
	c := *s
	t.m.slots[s.ID] = &c
	return nil
}

func (t *memTx) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := t.m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	c := *p
	return &c, nil
}

func (t *memTx) IncrementAppointments(ctx context.Context, patientID uuid.UUID) error {
	if err := t.m.fail("IncrementAppointments"); err != nil {
		return err
	}
	p, ok := t.m.patients[patientID]
	if !ok {
		return ErrPatientNotFound
	}
	p.TotalAppointments++
	return nil
}

func (t *memTx) IncrementCancellations(ctx context.Context, patientID uuid.UUID) error {
	p, ok := t.m.patients[patientID]
	if !ok {
		return ErrPatientNotFound
	}
	p.TotalCancellations++
	return nil
}

func (t *memTx) LockAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	for _, a := range t.m.appointments {
		if a.SlotID == slotID {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (t *memTx) CreateAppointment(ctx context.Context, slotID, patientID uuid.UUID) (*Appointment, error) {
	if err := t.m.fail("CreateAppointment"); err != nil {
		return nil, err
	}
	if _, ok := t.m.patients[patientID]; !ok {
		return nil, ErrPatientNotFound
	}
	for _, a := range t.m.appointments {
		if a.SlotID == slotID {
			return nil, errors.New("unique violation: appointments.slot_id")
		}
	}
	now := time.Now()
	a := &Appointment{
		ID:        uuid.New(),
		SlotID:    slotID,
		PatientID: patientID,
		Status:    StatusBooked,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.m.appointments[a.ID] = a
	c := *a
	return &c, nil
}

func (t *memTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	a, ok := t.m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	c := *a
	return &c, nil
}

func (t *memTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if _, ok := t.m.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(t.m.appointments, id)
	return nil
}

func (t *memTx) InsertQueueEntry(ctx context.Context, e QueueEntry) (*QueueEntry, bool, error) {
	if err := t.m.fail("InsertQueueEntry"); err != nil {
		return nil, false, err
	}
	for _, existing := range t.m.entries {
		if existing.SlotID == e.SlotID && existing.PatientID == e.PatientID {
			c := *existing
			return &c, false, nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	stored := e
	t.m.entries[e.ID] = &stored
	return &e, true, nil
}

func (t *memTx) LockQueueEntries(ctx context.Context, slotID uuid.UUID) ([]QueueEntry, error) {
	var out []QueueEntry
	for _, e := range t.m.entries {
		if e.SlotID == slotID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ranksBefore(&out[i], &out[j])
	})
	return out, nil
}

func (t *memTx) UpdateQueueEntryPriority(ctx context.Context, id uuid.UUID, score int, adminOverride bool) (*QueueEntry, error) {
	e, ok := t.m.entries[id]
	if !ok {
		return nil, ErrQueueEntryNotFound
	}
	e.PriorityScore = score
	e.AdminOverride = adminOverride
	c := *e
	return &c, nil
}

// InsertEvent is not affected by eventErr, which only breaks writes made
// after commit. Use failOn["InsertEvent"] to fail the transaction.
func (t *memTx) InsertEvent(ctx context.Context, ev EventLog) (int64, error) {
	if err := t.m.fail("InsertEvent"); err != nil {
		return 0, err
	}
	t.m.evMu.Lock()
	defer t.m.evMu.Unlock()
	id := t.m.appendEvent(ev)
	t.events = append(t.events, id)
	return id, nil
}

func (t *memTx) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	if err := t.m.fail("DeleteQueueEntry"); err != nil {
		return err
	}
	if _, ok := t.m.entries[id]; !ok {
		return ErrQueueEntryNotFound
	}
	delete(t.m.entries, id)
	return nil
}
