package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/priority-slot-booking/internal/config"
	"github.com/hackgods/priority-slot-booking/internal/db"
	"github.com/hackgods/priority-slot-booking/internal/logging"
)

// simulate drives concurrent book/cancel/position traffic at a small set of
// hot slots so that queueing, lock contention and promotion all happen.
type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookRatio     float64
	CancelRatio   float64
	PositionRatio float64
	PatientLimit  int
	HotSlots      int
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []uuid.UUID

	mu           sync.Mutex
	appointments []uuid.UUID
	entries      []uuid.UUID
}

func (dp *DataPool) addAppointment(id uuid.UUID) {
	dp.mu.Lock()
	dp.appointments = append(dp.appointments, id)
	dp.mu.Unlock()
}

func (dp *DataPool) addEntry(id uuid.UUID) {
	dp.mu.Lock()
	dp.entries = append(dp.entries, id)
	dp.mu.Unlock()
}

// takeAppointment removes a random appointment so it is cancelled at most once.
func (dp *DataPool) takeAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	i := rng.Intn(len(dp.appointments))
	id := dp.appointments[i]
	dp.appointments[i] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return id, true
}

func (dp *DataPool) randomEntry(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.entries) == 0 {
		return uuid.Nil, false
	}
	return dp.entries[rng.Intn(len(dp.entries))], true
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeQueued
	outcomeLocked
	outcomeNotFound
	outcomeError
)

type OperationMetrics struct {
	Total    int64
	OK       int64
	Queued   int64
	Locked   int64
	NotFound int64
	Error    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeOK:
		atomic.AddInt64(&om.OK, 1)
	case outcomeQueued:
		atomic.AddInt64(&om.Queued, 1)
	case outcomeLocked:
		atomic.AddInt64(&om.Locked, 1)
	case outcomeNotFound:
		atomic.AddInt64(&om.NotFound, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) percentiles() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Book     OperationMetrics
	Cancel   OperationMetrics
	Position OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fatalLogger := logging.New("dev", "info", "simulate")
		fatalLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel, "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid simulation config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}

	logger.Info().
		Int("patients", len(dataPool.Patients)).
		Int("hot_slots", len(dataPool.Slots)).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Msg("simulation starting")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 20),
		BookRatio:     getFloat("SIM_BOOK_RATIO", 0.6),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.2),
		PositionRatio: getFloat("SIM_POSITION_RATIO", 0.2),
		PatientLimit:  getInt("SIM_PATIENT_LIMIT", 2000),
		HotSlots:      getInt("SIM_HOT_SLOTS", 25),
	}

	total := cfg.BookRatio + cfg.CancelRatio + cfg.PositionRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.PositionRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return errors.New("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	if err := collectIDs(ctx, pool, &dataPool.Patients, `
		SELECT id FROM patients ORDER BY random() LIMIT $1
	`, cfg.PatientLimit); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	if err := collectIDs(ctx, pool, &dataPool.Slots, `
		SELECT id FROM slots
		WHERE slot_date >= current_date
		ORDER BY slot_date, start_time
		LIMIT $1
	`, cfg.HotSlots); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, errors.New("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, errors.New("no upcoming slots loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func collectIDs(ctx context.Context, pool *pgxpool.Pool, dst *[]uuid.UUID, query string, limit int) error {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		*dst = append(*dst, id)
	}
	return rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookRatio:
			s.doBook(ctx, rng)
		case r < s.config.BookRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doPosition(ctx, rng)
		}
	}
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	slotID := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	body, _ := json.Marshal(map[string]string{"patient_id": patientID.String()})
	url := fmt.Sprintf("%s/slots/%s/book", s.config.APIBaseURL, slotID)

	start := time.Now()
	status, respBody, err := s.do(ctx, http.MethodPost, url, body)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Book.Record(latency, outcomeError)
		}
		return
	}

	var resp struct {
		Appointment *struct {
			ID uuid.UUID `json:"id"`
		} `json:"appointment"`
		Entry *struct {
			ID uuid.UUID `json:"id"`
		} `json:"queue_entry"`
	}
	_ = json.Unmarshal(respBody, &resp)

	switch status {
	case http.StatusCreated:
		if resp.Appointment != nil {
			s.pool.addAppointment(resp.Appointment.ID)
		}
		s.metrics.Book.Record(latency, outcomeOK)
	case http.StatusAccepted:
		if resp.Entry != nil {
			s.pool.addEntry(resp.Entry.ID)
		}
		s.metrics.Book.Record(latency, outcomeQueued)
	default:
		s.metrics.Book.Record(latency, classifyStatus(status))
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.takeAppointment(rng)
	if !ok {
		return
	}

	url := fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, apptID)

	start := time.Now()
	status, respBody, err := s.do(ctx, http.MethodPost, url, nil)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Cancel.Record(latency, outcomeError)
		}
		return
	}

	if status != http.StatusOK {
		s.metrics.Cancel.Record(latency, classifyStatus(status))
		return
	}

	// a promotion hands the slot to a new appointment that can be cancelled later
	var resp struct {
		Promoted *struct {
			ID uuid.UUID `json:"id"`
		} `json:"promoted"`
	}
	if json.Unmarshal(respBody, &resp) == nil && resp.Promoted != nil {
		s.pool.addAppointment(resp.Promoted.ID)
	}
	s.metrics.Cancel.Record(latency, outcomeOK)
}

func (s *Simulator) doPosition(ctx context.Context, rng *rand.Rand) {
	entryID, ok := s.pool.randomEntry(rng)
	if !ok {
		return
	}

	url := fmt.Sprintf("%s/queue-entries/%s/position", s.config.APIBaseURL, entryID)

	start := time.Now()
	status, _, err := s.do(ctx, http.MethodGet, url, nil)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Position.Record(latency, outcomeError)
		}
		return
	}

	// promoted entries no longer exist, which is expected churn
	if status == http.StatusOK {
		s.metrics.Position.Record(latency, outcomeOK)
		return
	}
	s.metrics.Position.Record(latency, classifyStatus(status))
}

func (s *Simulator) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), err
}

func classifyStatus(status int) outcome {
	switch status {
	case http.StatusConflict:
		return outcomeLocked
	case http.StatusNotFound:
		return outcomeNotFound
	default:
		return outcomeError
	}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s  Workers: %d  Hot slots: %d\n\n",
		s.config.Duration, s.config.Workers, len(s.pool.Slots))

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Queue position", &s.metrics.Position)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	line := func(label string, n int64) {
		if n > 0 {
			fmt.Printf("  %-10s %d (%.1f%%)\n", label+":", n, pct(n))
		}
	}

	fmt.Printf("%s:\n", name)
	fmt.Printf("  %-10s %d\n", "Total:", total)
	line("OK", atomic.LoadInt64(&om.OK))
	line("Queued", atomic.LoadInt64(&om.Queued))
	line("Locked", atomic.LoadInt64(&om.Locked))
	line("NotFound", atomic.LoadInt64(&om.NotFound))
	line("Errors", atomic.LoadInt64(&om.Error))

	avg, p50, p95, max := om.percentiles()
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
