// Package promotion turns a due booking into a live ride exactly once.
//
// Exactly-once rests on the store: PromoteBooking flips the status with a
// compare-and-swap and inserts the ride in the same transaction, so two
// concurrent ticks (or two instances) cannot both create a ride.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/notifier"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	"github.com/google/uuid"
)

// ErrInconsistent marks a booking that is promoted but has no ride.
var ErrInconsistent = errors.New("promotion: booking promoted without ride")

// Store is the slice of storage.Store the engine uses.
type Store interface {
	GetBooking(ctx context.Context, id string) (booking.Booking, error)
	GetDriver(ctx context.Context, id string) (booking.Driver, error)
	PromoteBooking(ctx context.Context, bookingID string, ride booking.LiveRide, at time.Time) error
	SetDriverStatus(ctx context.Context, driverID string, status booking.DriverStatus) error
}

type Notifier interface {
	Notify(ctx context.Context, m notifier.Message) error
}

type Result string

const (
	Promoted Result = "promoted"
	Skipped  Result = "skipped"
)

type Outcome struct {
	BookingID    string `json:"booking_id"`
	Result       Result `json:"result"`
	RideID       string `json:"ride_id,omitempty"`
	TrackingCode string `json:"tracking_code,omitempty"`
	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`
}

type Config struct {
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
	NewCode  func() (string, error)
}

type Engine struct {
	loc atomic.Pointer[time.Location]

	store  Store
	notify Notifier
	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
}

func New(cfg Config, store Store, notify Notifier, log logx.Logger, bus eventbus.Bus) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.NewCode == nil {
		cfg.NewCode = NewTrackingCode
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{store: store, notify: notify, log: log, bus: bus, cfg: cfg}
	e.loc.Store(cfg.Location)
	return e
}

// SetLocation changes the zone used when rendering pickup times.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc.Store(loc)
	}
}

// Promote re-reads the booking and, when it is still promotable, creates its
// live ride. Losing the race to another run is a Skipped outcome, not an
// error.
func (e *Engine) Promote(ctx context.Context, due booking.Due) (Outcome, error) {
	out := Outcome{BookingID: due.ID, Result: Skipped}

	b, err := e.store.GetBooking(ctx, due.ID)
	if err != nil {
		e.emitFailed(due.ID, err)
		return out, fmt.Errorf("reload booking %s: %w", due.ID, err)
	}

	switch {
	case b.Status == booking.StatusPromoted && b.RideID == "":
		e.log.Error("promoted booking has no ride", logx.String("booking_id", b.ID))
		e.emitFailed(b.ID, ErrInconsistent)
		return out, fmt.Errorf("booking %s: %w", b.ID, ErrInconsistent)
	case !b.Status.Promotable():
		return e.skip(out, "status "+string(b.Status)), nil
	case !b.HasDriver():
		return e.skip(out, "no driver"), nil
	}

	code, err := e.cfg.NewCode()
	if err != nil {
		e.emitFailed(b.ID, err)
		return out, fmt.Errorf("tracking code: %w", err)
	}
	now := e.cfg.Now().UTC()
	ride := booking.LiveRide{
		ID:              e.cfg.NewID(),
		BookingID:       b.ID,
		DriverID:        b.DriverID,
		ClientID:        b.ClientID,
		Status:          booking.RideInProgress,
		Price:           b.EstimatedCost,
		DurationMinutes: b.EstimatedMinutes,
		TrackingCode:    code,
		Pickup:          b.Pickup,
		Destination:     b.Destination,
		StartedAt:       now,
	}

	if err := e.store.PromoteBooking(ctx, b.ID, ride, now); err != nil {
		if errors.Is(err, storage.ErrAlreadyPromoted) {
			return e.skip(out, "already promoted"), nil
		}
		e.log.Warn("promotion failed", logx.String("booking_id", b.ID), logx.Err(err))
		e.emitFailed(b.ID, err)
		return out, fmt.Errorf("promote booking %s: %w", b.ID, err)
	}

	out.Result = Promoted
	out.RideID = ride.ID
	out.TrackingCode = code
	e.log.Info("booking promoted",
		logx.String("booking_id", b.ID),
		logx.String("ride_id", ride.ID),
		logx.String("driver_id", b.DriverID),
		logx.String("tracking_code", code),
	)
	eventbus.Emit(e.bus, "booking.promoted", out)

	// The ride exists; the rest is best-effort.
	if err := e.store.SetDriverStatus(ctx, b.DriverID, booking.DriverEnRoute); err != nil {
		e.log.Warn("driver status update failed", logx.String("driver_id", b.DriverID), logx.Err(err))
	}
	e.sendActivation(ctx, due, b, ride)
	return out, nil
}

func (e *Engine) skip(out Outcome, reason string) Outcome {
	out.Reason = reason
	e.log.Debug("promotion skipped", logx.String("booking_id", out.BookingID), logx.String("reason", reason))
	eventbus.Emit(e.bus, "booking.promotion_skipped", out)
	return out
}

func (e *Engine) emitFailed(id string, err error) {
	eventbus.Emit(e.bus, "booking.promotion_failed", Outcome{BookingID: id, Reason: err.Error()})
}

func (e *Engine) sendActivation(ctx context.Context, due booking.Due, b booking.Booking, ride booking.LiveRide) {
	if e.notify == nil {
		return
	}
	phone, name := due.DriverPhone, due.DriverName
	if phone == "" {
		d, err := e.store.GetDriver(ctx, b.DriverID)
		if err != nil {
			e.log.Warn("activation notice skipped: driver lookup failed", logx.String("driver_id", b.DriverID), logx.Err(err))
			return
		}
		phone, name = d.Phone, d.Name
	}
	m := ActivationMessage(name, phone, b, ride, e.loc.Load())
	if err := e.notify.Notify(ctx, m); err != nil {
		e.log.Warn("activation notice not queued", logx.String("booking_id", b.ID), logx.Err(err))
	}
}
