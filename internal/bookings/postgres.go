package bookings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			registration TEXT PRIMARY KEY,
			customer_name TEXT NOT NULL DEFAULT '',
			contact_number TEXT NOT NULL DEFAULT '',
			phone_key TEXT NOT NULL DEFAULT '',
			vehicle_make TEXT NOT NULL DEFAULT '',
			terminal TEXT NOT NULL DEFAULT '',
			allocated_car_park TEXT NOT NULL DEFAULT '',
			entry_time TIMESTAMPTZ NOT NULL,
			current_eta TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_phone_key ON bookings (phone_key);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgColumns = `registration, customer_name, contact_number, vehicle_make, terminal, allocated_car_park, entry_time, current_eta`

func (s *PostgresStore) FindByRegistration(ctx context.Context, registration string) (Booking, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM bookings WHERE registration = $1`,
		NormalizeRegistration(registration))
	return scanPG(row)
}

func (s *PostgresStore) FindByPhone(ctx context.Context, phone string) (Booking, error) {
	key := NormalizePhone(phone)
	if key == "" {
		return Booking{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM bookings WHERE phone_key = $1 ORDER BY entry_time LIMIT 1`, key)
	return scanPG(row)
}

func (s *PostgresStore) UpdateETA(ctx context.Context, registration string, eta time.Time) (Booking, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE bookings SET current_eta = $1 WHERE registration = $2 RETURNING `+pgColumns,
		eta.UTC(), NormalizeRegistration(registration))
	return scanPG(row)
}

func (s *PostgresStore) Upsert(ctx context.Context, b Booking) error {
	b = normalize(b)
	if b.Registration == "" {
		return errors.New("booking registration is required")
	}
	var eta *time.Time
	if !b.CurrentETA.IsZero() {
		eta = &b.CurrentETA
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bookings (registration, customer_name, contact_number, phone_key, vehicle_make, terminal, allocated_car_park, entry_time, current_eta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (registration) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			contact_number = EXCLUDED.contact_number,
			phone_key = EXCLUDED.phone_key,
			vehicle_make = EXCLUDED.vehicle_make,
			terminal = EXCLUDED.terminal,
			allocated_car_park = EXCLUDED.allocated_car_park,
			entry_time = EXCLUDED.entry_time,
			current_eta = EXCLUDED.current_eta`,
		b.Registration, b.CustomerName, b.ContactNumber, NormalizePhone(b.ContactNumber),
		b.VehicleMake, b.Terminal, b.AllocatedCarPark, b.EntryTime, eta,
	)
	if err != nil {
		return fmt.Errorf("upsert booking: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPG(row pgx.Row) (Booking, error) {
	var b Booking
	var eta *time.Time
	err := row.Scan(&b.Registration, &b.CustomerName, &b.ContactNumber, &b.VehicleMake,
		&b.Terminal, &b.AllocatedCarPark, &b.EntryTime, &eta)
	if errors.Is(err, pgx.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	b.EntryTime = b.EntryTime.UTC()
	if eta != nil {
		b.CurrentETA = eta.UTC()
	}
	return b, nil
}
