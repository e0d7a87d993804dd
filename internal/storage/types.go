package storage

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/timewindow"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrAlreadyPromoted means the status CAS matched no row: another run
	// promoted or cancelled the booking first.
	ErrAlreadyPromoted = errors.New("storage: booking already promoted or no longer promotable")
	// ErrNotFound is booking.ErrNotFound so callers can test either.
	ErrNotFound = booking.ErrNotFound
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// AuditEntry records an operator action such as a manual task run.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
	Meta   string
}

// Store is the persistence API used by the booking service, the promotion
// engine, the lifecycle tasks and the notifier.
type Store interface {
	booking.Repository

	UpsertDriver(ctx context.Context, d booking.Driver) error
	SetDriverStatus(ctx context.Context, driverID string, status booking.DriverStatus) error

	GetPattern(ctx context.Context, id string) (booking.RecurrencePattern, error)

	// ListDue returns bookings with an assigned driver, a promotable status
	// and scheduled_at inside iv, ordered by scheduled_at.
	ListDue(ctx context.Context, iv timewindow.Interval, limit int) ([]booking.Due, error)

	// PromoteBooking flips the booking to promoted, inserts ride and links it,
	// all in one transaction. It returns ErrAlreadyPromoted when the status
	// CAS changed no row.
	PromoteBooking(ctx context.Context, bookingID string, ride booking.LiveRide, at time.Time) error
	GetRide(ctx context.Context, id string) (booking.LiveRide, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}
