package bookings

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryStore keeps bookings in process for local runs and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Booking
}

func NewInMemoryStore(seed ...Booking) *InMemoryStore {
	s := &InMemoryStore{records: make(map[string]Booking, len(seed))}
	for _, b := range seed {
		b = normalize(b)
		s.records[b.Registration] = b
	}
	return s
}

func (s *InMemoryStore) FindByRegistration(_ context.Context, registration string) (Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.records[NormalizeRegistration(registration)]
	if !ok {
		return Booking{}, ErrNotFound
	}
	return b, nil
}

func (s *InMemoryStore) FindByPhone(_ context.Context, phone string) (Booking, error) {
	want := NormalizePhone(phone)
	if want == "" {
		return Booking{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.records {
		if NormalizePhone(b.ContactNumber) == want {
			return b, nil
		}
	}
	return Booking{}, ErrNotFound
}

func (s *InMemoryStore) UpdateETA(_ context.Context, registration string, eta time.Time) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := NormalizeRegistration(registration)
	b, ok := s.records[key]
	if !ok {
		return Booking{}, ErrNotFound
	}
	b.CurrentETA = eta.UTC()
	s.records[key] = b
	return b, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, b Booking) error {
	b = normalize(b)
	if b.Registration == "" {
		return errors.New("booking registration is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[b.Registration] = b
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
