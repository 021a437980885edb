package bookings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps bookings in a SQLite file, for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writers anyway; one connection keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			registration TEXT PRIMARY KEY,
			customer_name TEXT NOT NULL DEFAULT '',
			contact_number TEXT NOT NULL DEFAULT '',
			phone_key TEXT NOT NULL DEFAULT '',
			vehicle_make TEXT NOT NULL DEFAULT '',
			terminal TEXT NOT NULL DEFAULT '',
			allocated_car_park TEXT NOT NULL DEFAULT '',
			entry_time DATETIME NOT NULL,
			current_eta DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_phone ON bookings(phone_key)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite bookings: %w", err)
		}
	}
	return nil
}

const sqliteColumns = `registration, customer_name, contact_number, vehicle_make, terminal, allocated_car_park, entry_time, current_eta`

func (s *SQLiteStore) FindByRegistration(ctx context.Context, registration string) (Booking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM bookings WHERE registration = ?`,
		NormalizeRegistration(registration))
	return scanSQLite(row)
}

func (s *SQLiteStore) FindByPhone(ctx context.Context, phone string) (Booking, error) {
	key := NormalizePhone(phone)
	if key == "" {
		return Booking{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM bookings WHERE phone_key = ? ORDER BY entry_time LIMIT 1`, key)
	return scanSQLite(row)
}

func (s *SQLiteStore) UpdateETA(ctx context.Context, registration string, eta time.Time) (Booking, error) {
	reg := NormalizeRegistration(registration)
	res, err := s.db.ExecContext(ctx, `UPDATE bookings SET current_eta = ? WHERE registration = ?`, eta.UTC(), reg)
	if err != nil {
		return Booking{}, fmt.Errorf("update eta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Booking{}, ErrNotFound
	}
	return s.FindByRegistration(ctx, reg)
}

func (s *SQLiteStore) Upsert(ctx context.Context, b Booking) error {
	b = normalize(b)
	if b.Registration == "" {
		return errors.New("booking registration is required")
	}
	var eta any
	if !b.CurrentETA.IsZero() {
		eta = b.CurrentETA
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (registration, customer_name, contact_number, phone_key, vehicle_make, terminal, allocated_car_park, entry_time, current_eta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(registration) DO UPDATE SET
			customer_name = excluded.customer_name,
			contact_number = excluded.contact_number,
			phone_key = excluded.phone_key,
			vehicle_make = excluded.vehicle_make,
			terminal = excluded.terminal,
			allocated_car_park = excluded.allocated_car_park,
			entry_time = excluded.entry_time,
			current_eta = excluded.current_eta`,
		b.Registration, b.CustomerName, b.ContactNumber, NormalizePhone(b.ContactNumber),
		b.VehicleMake, b.Terminal, b.AllocatedCarPark, b.EntryTime, eta,
	)
	if err != nil {
		return fmt.Errorf("upsert booking: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLite(row *sql.Row) (Booking, error) {
	var b Booking
	var eta sql.NullTime
	err := row.Scan(&b.Registration, &b.CustomerName, &b.ContactNumber, &b.VehicleMake,
		&b.Terminal, &b.AllocatedCarPark, &b.EntryTime, &eta)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	b.EntryTime = b.EntryTime.UTC()
	if eta.Valid {
		b.CurrentETA = eta.Time.UTC()
	}
	return b, nil
}
