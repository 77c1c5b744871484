package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/priority-slot-booking/internal/booking"
	"github.com/hackgods/priority-slot-booking/internal/config"
	"github.com/hackgods/priority-slot-booking/internal/db"
	"github.com/hackgods/priority-slot-booking/internal/logging"
)

var specialties = []string{
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Neurology",
	"Pediatrics",
	"Ophthalmology",
	"ENT",
}

// slot grid: 09:00 to 16:30 every 30 minutes
var startTimes = func() []string {
	var out []string
	for m := 9 * 60; m < 17*60; m += 30 {
		out = append(out, time.Date(0, 1, 1, m/60, m%60, 0, 0, time.UTC).Format("15:04"))
	}
	return out
}()

func main() {
	providers := flag.Int("providers", 20, "number of providers")
	patients := flag.Int("patients", 2000, "number of patients")
	days := flag.Int("days", 5, "days of slots per provider, starting tomorrow")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalLogger := logging.New("dev", "info", "seed")
		fatalLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel, "seed")
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	providerIDs, err := seedProviders(ctx, pool, *providers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed providers")
	}
	if err := seedPatients(ctx, pool, *patients, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedSlots(ctx, pool, providerIDs, *days, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}

	logger.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding providers")

	ids := make([]uuid.UUID, 0, count)
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO providers (id, name, specialty)
				VALUES ($1, $2, $3)
			`, id, "Dr. "+gofakeit.LastName(), specialties[gofakeit.Number(0, len(specialties)-1)])
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for i := offset; i < end; i++ {
				age, category := randomProfile()
				_, err := tx.Exec(ctx, `
					INSERT INTO patients (id, name, email, age, category)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (email) DO NOTHING
				`, uuid.New(), gofakeit.Name(), gofakeit.Email(), age, category)
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		logger.Debug().Int("done", end).Int("total", count).Msg("patients batch seeded")
	}

	return nil
}

// randomProfile skews toward normal adults with a tail of seniors,
// emergencies and patients whose age was never recorded.
func randomProfile() (*int, booking.Category) {
	category := booking.CategoryNormal
	switch n := gofakeit.Number(1, 100); {
	case n <= 10:
		category = booking.CategoryEmergency
	case n <= 30:
		category = booking.CategorySenior
	}

	if gofakeit.Number(1, 20) == 1 {
		return nil, category
	}

	age := gofakeit.Number(1, 59)
	if category == booking.CategorySenior {
		age = gofakeit.Number(60, 95)
	} else if category == booking.CategoryEmergency {
		age = gofakeit.Number(1, 95)
	}
	return &age, category
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, providerIDs []uuid.UUID, days int, logger zerolog.Logger) error {
	logger.Info().Int("providers", len(providerIDs)).Int("days", days).Msg("seeding slots")

	today := time.Now().UTC().Truncate(24 * time.Hour)
	total := 0

	for _, providerID := range providerIDs {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for d := 1; d <= days; d++ {
				date := today.AddDate(0, 0, d)
				for _, start := range startTimes {
					_, err := tx.Exec(ctx, `
						INSERT INTO slots (id, provider_id, slot_date, start_time)
						VALUES ($1, $2, $3, $4::time)
						ON CONFLICT (provider_id, slot_date, start_time) DO NOTHING
					`, uuid.New(), providerID, date, start)
					if err != nil {
						return err
					}
					total++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	logger.Info().Int("slots", total).Msg("slots seeded")
	return nil
}
