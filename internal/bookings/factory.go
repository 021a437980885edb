package bookings

import (
	"context"
	"strings"
)

// NewStore picks a backend from the URL scheme: postgres:// or postgresql:// use
// pgx, sqlite: or file: use SQLite, and an empty URL keeps bookings in memory.
func NewStore(ctx context.Context, databaseURL string, seed ...Booking) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	var (
		store Store
		err   error
	)
	switch {
	case url == "":
		return NewInMemoryStore(seed...), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store, err = NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite:"):
		store, err = NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite:"))
	default:
		store, err = NewSQLiteStore(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	for _, b := range seed {
		if err := store.Upsert(ctx, b); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}
