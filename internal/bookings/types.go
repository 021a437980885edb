package bookings

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

var ErrNotFound = errors.New("booking not found")

// Booking is one parking reservation keyed by vehicle registration.
type Booking struct {
	Registration     string    `json:"registration"`
	CustomerName     string    `json:"customer_name"`
	ContactNumber    string    `json:"contact_number"`
	VehicleMake      string    `json:"vehicle_make"`
	Terminal         string    `json:"terminal"`
	AllocatedCarPark string    `json:"allocated_car_park"`
	EntryTime        time.Time `json:"entry_time"`
	// CurrentETA is zero until the caller gives an arrival time.
	CurrentETA time.Time `json:"current_eta"`
}

// Store looks up and updates bookings.
type Store interface {
	FindByRegistration(ctx context.Context, registration string) (Booking, error)
	FindByPhone(ctx context.Context, phone string) (Booking, error)
	UpdateETA(ctx context.Context, registration string, eta time.Time) (Booking, error)
	Upsert(ctx context.Context, b Booking) error
	Close() error
}

// NormalizeRegistration strips whitespace and upper-cases a registration.
func NormalizeRegistration(reg string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, reg))
}

// NormalizePhone reduces a UK number to its national digits form (leading 0).
func NormalizePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, "44"):
		return "0" + digits[2:]
	case !strings.HasPrefix(digits, "0"):
		return "0" + digits
	default:
		return digits
	}
}

func normalize(b Booking) Booking {
	b.Registration = NormalizeRegistration(b.Registration)
	b.ContactNumber = strings.TrimSpace(b.ContactNumber)
	b.EntryTime = b.EntryTime.UTC()
	if !b.CurrentETA.IsZero() {
		b.CurrentETA = b.CurrentETA.UTC()
	}
	return b
}
