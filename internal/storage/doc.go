// Package storage persists bookings, patterns, drivers, live rides and
// notifier dedup state.
//
// Two backends share one Store interface:
//   - "sqlite": a local database file (modernc.org/sqlite, no cgo)
//   - "postgres": a pgx connection pool
//
// Promotion is a compare-and-swap on the booking status inside one
// transaction, so concurrent ticks or instances cannot create two rides.
package storage
