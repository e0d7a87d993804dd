package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "dispatchd/pkg/logx"

	"github.com/google/uuid"
)

// Repository is the slice of the store the booking service needs.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	CreatePattern(ctx context.Context, p RecurrencePattern) error
	CreateBookings(ctx context.Context, bs []Booking) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	GetDriver(ctx context.Context, id string) (Driver, error)
	// TransitionBooking moves id to `to` only when its status is one of from.
	// It returns ErrNotFound or ErrConflict when nothing changed.
	TransitionBooking(ctx context.Context, id string, from []Status, to Status, driverID string, at time.Time) error
}

// Expander turns a pattern and its anchor booking into the future bookings.
// Location is the zone its calendar dates are taken in.
type Expander interface {
	Expand(p RecurrencePattern, anchor Booking) ([]Booking, error)
	Location() *time.Location
}

type ServiceConfig struct {
	// BatchSize bounds each insert of expanded bookings. Default 50.
	BatchSize int
	Now       func() time.Time
}

type Service struct {
	repo     Repository
	expander Expander
	fare     FareEstimator
	log      logx.Logger
	cfg      ServiceConfig
}

func NewService(cfg ServiceConfig, repo Repository, expander Expander, fare FareEstimator, log logx.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{repo: repo, expander: expander, fare: fare, log: log, cfg: cfg}
}

type RecurrenceRequest struct {
	Type      RecurrenceType `json:"type"`
	StartDate time.Time      `json:"start_date"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
}

type CreateRequest struct {
	ClientID           string             `json:"client_id"`
	DriverID           string             `json:"driver_id"`
	PickupAddress      string             `json:"pickup_address"`
	Pickup             string             `json:"pickup"`
	DestinationAddress string             `json:"destination_address"`
	Destination        string             `json:"destination"`
	ScheduledAt        time.Time          `json:"scheduled_at"`
	EstimatedMinutes   int                `json:"estimated_minutes"`
	EstimatedCost      *float64           `json:"estimated_cost,omitempty"`
	Priority           Priority           `json:"priority"`
	CreatedBy          string             `json:"created_by"`
	Recurrence         *RecurrenceRequest `json:"recurrence,omitempty"`
}

type CreateResult struct {
	Booking   Booking            `json:"booking"`
	Pattern   *RecurrencePattern `json:"pattern,omitempty"`
	Generated int                `json:"generated"`
}

// Create validates req, stores the anchor booking and, for recurring
// requests, the pattern and every expanded booking in one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	b, err := s.buildAnchor(ctx, req)
	if err != nil {
		return CreateResult{}, err
	}

	var (
		pattern  *RecurrencePattern
		expanded []Booking
	)
	if rr := req.Recurrence; rr != nil {
		if !rr.Type.Valid() {
			return CreateResult{}, invalid("recurrence.type", "unknown %q", rr.Type)
		}
		if s.expander == nil {
			return CreateResult{}, errors.New("booking: recurrence expander not configured")
		}
		p := RecurrencePattern{
			ID:        uuid.NewString(),
			Type:      rr.Type,
			Weekdays:  rr.Weekdays,
			CreatedAt: b.CreatedAt,
		}
		// Pattern bounds are calendar dates; an omitted start is the
		// anchor's local date, not its UTC one.
		p.StartDate = CalendarDay(b.ScheduledAt.In(expanderLocation(s.expander)))
		if !rr.StartDate.IsZero() {
			p.StartDate = CalendarDay(rr.StartDate)
		}
		if rr.EndDate != nil {
			end := CalendarDay(*rr.EndDate)
			if end.Before(p.StartDate) {
				return CreateResult{}, invalid("recurrence.end_date", "before start_date")
			}
			p.EndDate = &end
		}
		b.RecurrenceID = p.ID
		expanded, err = s.expander.Expand(p, b)
		if err != nil {
			return CreateResult{}, err
		}
		pattern = &p
	}

	err = s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		if pattern != nil {
			if err := s.repo.CreatePattern(ctx, *pattern); err != nil {
				return fmt.Errorf("create pattern: %w", err)
			}
		}
		if err := s.repo.CreateBookings(ctx, []Booking{b}); err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		for start := 0; start < len(expanded); start += s.cfg.BatchSize {
			end := min(start+s.cfg.BatchSize, len(expanded))
			if err := s.repo.CreateBookings(ctx, expanded[start:end]); err != nil {
				return fmt.Errorf("create recurring bookings [%d:%d]: %w", start, end, err)
			}
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}

	s.log.Info("booking created",
		logx.String("booking_id", b.ID),
		logx.Time("scheduled_at", b.ScheduledAt),
		logx.String("status", string(b.Status)),
		logx.Int("recurring", len(expanded)),
	)
	return CreateResult{Booking: b, Pattern: pattern, Generated: len(expanded)}, nil
}

func expanderLocation(e Expander) *time.Location {
	if loc := e.Location(); loc != nil {
		return loc
	}
	return time.UTC
}

func (s *Service) buildAnchor(ctx context.Context, req CreateRequest) (Booking, error) {
	pickup, err := ParsePoint(req.Pickup)
	if err != nil {
		return Booking{}, err
	}
	dest, err := ParsePoint(req.Destination)
	if err != nil {
		return Booking{}, err
	}
	if req.ScheduledAt.IsZero() {
		return Booking{}, invalid("scheduled_at", "required")
	}
	if req.EstimatedMinutes <= 0 {
		return Booking{}, invalid("estimated_minutes", "must be > 0")
	}
	prio := req.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	if !prio.Valid() {
		return Booking{}, invalid("priority", "unknown %q", prio)
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return Booking{}, invalid("created_by", "required")
	}

	var cost float64
	switch {
	case req.EstimatedCost != nil:
		if *req.EstimatedCost < 0 {
			return Booking{}, invalid("estimated_cost", "must be >= 0")
		}
		cost = *req.EstimatedCost
	case s.fare != nil:
		cost, err = s.fare.Estimate(ctx, pickup, req.EstimatedMinutes)
		if err != nil {
			return Booking{}, fmt.Errorf("estimate fare: %w", err)
		}
	}

	status := StatusPending
	if req.DriverID != "" {
		if _, err := s.repo.GetDriver(ctx, req.DriverID); err != nil {
			return Booking{}, fmt.Errorf("driver %s: %w", req.DriverID, err)
		}
		status = StatusAssigned
	}

	now := s.cfg.Now().UTC()
	return Booking{
		ID:               uuid.NewString(),
		ClientID:         req.ClientID,
		DriverID:         req.DriverID,
		Pickup:           Place{Address: strings.TrimSpace(req.PickupAddress), Point: pickup},
		Destination:      Place{Address: strings.TrimSpace(req.DestinationAddress), Point: dest},
		ScheduledAt:      req.ScheduledAt.UTC(),
		EstimatedMinutes: req.EstimatedMinutes,
		EstimatedCost:    cost,
		Status:           status,
		Priority:         prio,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Assign sets the driver and moves the booking to assigned.
func (s *Service) Assign(ctx context.Context, bookingID, driverID string) error {
	if bookingID == "" || driverID == "" {
		return invalid("assign", "booking and driver ids are required")
	}
	if _, err := s.repo.GetDriver(ctx, driverID); err != nil {
		return fmt.Errorf("driver %s: %w", driverID, err)
	}
	err := s.repo.TransitionBooking(ctx, bookingID, PromotableStatuses, StatusAssigned, driverID, s.cfg.Now().UTC())
	if err != nil {
		return fmt.Errorf("assign booking %s: %w", bookingID, err)
	}
	s.log.Info("booking assigned", logx.String("booking_id", bookingID), logx.String("driver_id", driverID))
	return nil
}

// Cancel moves a pending or assigned booking to cancelled.
func (s *Service) Cancel(ctx context.Context, bookingID string) error {
	if bookingID == "" {
		return invalid("cancel", "booking id is required")
	}
	err := s.repo.TransitionBooking(ctx, bookingID, PromotableStatuses, StatusCancelled, "", s.cfg.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel booking %s: %w", bookingID, err)
	}
	s.log.Info("booking cancelled", logx.String("booking_id", bookingID))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Booking, error) {
	return s.repo.GetBooking(ctx, id)
}
