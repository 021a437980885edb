package bookings

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRegistration(t *testing.T) {
	assert.Equal(t, "AB12CDE", NormalizeRegistration(" ab12 cde "))
	assert.Equal(t, "", NormalizeRegistration("  "))
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+44 7700 900123": "07700900123",
		"07700 900123":    "07700900123",
		"7700900123":      "07700900123",
		"(0161) 496-0000": "01614960000",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func sampleBooking() Booking {
	return Booking{
		Registration:     "ab12 cde",
		CustomerName:     "Jane Smith",
		ContactNumber:    "07700900123",
		VehicleMake:      "Volvo",
		Terminal:         "T2",
		AllocatedCarPark: "Car Park B, Level 2",
		EntryTime:        time.Date(2026, 7, 1, 15, 30, 0, 0, time.UTC),
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, sampleBooking()))

	b, err := s.FindByRegistration(ctx, "AB12CDE")
	require.NoError(t, err)
	assert.Equal(t, "AB12CDE", b.Registration)
	assert.Equal(t, "Jane Smith", b.CustomerName)
	assert.True(t, b.CurrentETA.IsZero())

	b, err = s.FindByPhone(ctx, "+44 7700 900123")
	require.NoError(t, err)
	assert.Equal(t, "AB12CDE", b.Registration)

	eta := time.Date(2026, 7, 1, 14, 50, 0, 0, time.UTC)
	b, err = s.UpdateETA(ctx, "ab12cde", eta)
	require.NoError(t, err)
	assert.True(t, eta.Equal(b.CurrentETA))

	_, err = s.FindByRegistration(ctx, "ZZ99ZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByPhone(ctx, "01234 567890")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateETA(ctx, "ZZ99ZZZ", eta)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Upsert(ctx, Booking{}))
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewStoreSeedsInMemoryByDefault(t *testing.T) {
	s, err := NewStore(context.Background(), "", sampleBooking())
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*InMemoryStore)
	require.True(t, ok)

	b, err := s.FindByRegistration(context.Background(), "AB12 CDE")
	require.NoError(t, err)
	assert.Equal(t, "T2", b.Terminal)
}

func TestNewStoreSQLiteScheme(t *testing.T) {
	s, err := NewStore(context.Background(), "sqlite::memory:", sampleBooking())
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*SQLiteStore)
	require.True(t, ok)
	_, err = s.FindByPhone(context.Background(), "07700900123")
	require.NoError(t, err)
}

func TestParseSeed(t *testing.T) {
	data := []byte(`
timezone: Europe/London
bookings:
  - registration: ab12 cde
    customer_name: Jane Smith
    contact_number: "07700900123"
    terminal: T2
    entry: 01/07/2026 16:30
`)
	got, err := ParseSeed(data)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "AB12CDE", got[0].Registration)
	assert.Equal(t, time.Date(2026, 7, 1, 15, 30, 0, 0, time.UTC), got[0].EntryTime)

	_, err = ParseSeed([]byte("bookings:\n  - registration: AB12CDE\n    entry: tomorrow\n"))
	assert.Error(t, err)
	_, err = ParseSeed([]byte("bookings:\n  - entry: 01/07/2026 16:30\n"))
	assert.Error(t, err)
}
