package recurrence

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchd/internal/booking"
	logx "dispatchd/pkg/logx"
)

// memRepo records what booking.Service writes.
type memRepo struct {
	patterns []booking.RecurrencePattern
	bookings []booking.Booking
}

func (r *memRepo) WithinTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (r *memRepo) CreatePattern(_ context.Context, p booking.RecurrencePattern) error {
	r.patterns = append(r.patterns, p)
	return nil
}

func (r *memRepo) CreateBookings(_ context.Context, bs []booking.Booking) error {
	r.bookings = append(r.bookings, bs...)
	return nil
}

func (r *memRepo) GetBooking(context.Context, string) (booking.Booking, error) {
	return booking.Booking{}, booking.ErrNotFound
}

func (r *memRepo) GetDriver(context.Context, string) (booking.Driver, error) {
	return booking.Driver{}, booking.ErrNotFound
}

func (r *memRepo) TransitionBooking(context.Context, string, []booking.Status, booking.Status, string, time.Time) error {
	return booking.ErrNotFound
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load zone %q: %v", name, err)
	}
	return loc
}

func TestCreateRecurringUsesLocalDates(t *testing.T) {
	t.Parallel()
	chicago := mustZone(t, "America/Chicago")
	tokyo := mustZone(t, "Asia/Tokyo")

	tests := []struct {
		name      string
		loc       *time.Location
		anchor    time.Time
		start     time.Time
		end       time.Time
		wantStart time.Time
		wantAt    []time.Time
	}{
		{
			// 20:00 CST is already Jan 16 in UTC.
			name:      "west evening, no start",
			loc:       chicago,
			anchor:    time.Date(2024, 1, 15, 20, 0, 0, 0, chicago),
			end:       date(2024, 1, 16),
			wantStart: date(2024, 1, 15),
			wantAt:    []time.Time{time.Date(2024, 1, 17, 2, 0, 0, 0, time.UTC)},
		},
		{
			name:      "west evening, explicit start",
			loc:       chicago,
			anchor:    time.Date(2024, 1, 15, 20, 0, 0, 0, chicago),
			start:     date(2024, 1, 15),
			end:       date(2024, 1, 17),
			wantStart: date(2024, 1, 15),
			wantAt: []time.Time{
				time.Date(2024, 1, 17, 2, 0, 0, 0, time.UTC),
				time.Date(2024, 1, 18, 2, 0, 0, 0, time.UTC),
			},
		},
		{
			// 07:00 JST is still Jan 15 in UTC.
			name:      "east morning, no start",
			loc:       tokyo,
			anchor:    time.Date(2024, 1, 16, 7, 0, 0, 0, tokyo),
			end:       date(2024, 1, 17),
			wantStart: date(2024, 1, 16),
			wantAt:    []time.Time{time.Date(2024, 1, 16, 22, 0, 0, 0, time.UTC)},
		},
		{
			name:      "east morning, end on anchor day",
			loc:       tokyo,
			anchor:    time.Date(2024, 1, 16, 7, 0, 0, 0, tokyo),
			start:     date(2024, 1, 16),
			end:       date(2024, 1, 16),
			wantStart: date(2024, 1, 16),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo := &memRepo{}
			svc := booking.NewService(booking.ServiceConfig{}, repo, New(tt.loc, WithIDs(seqIDs())), nil, logx.Nop())
			end := tt.end
			res, err := svc.Create(context.Background(), booking.CreateRequest{
				Pickup:           "41.88,-87.63",
				Destination:      "41.97,-87.90",
				ScheduledAt:      tt.anchor,
				EstimatedMinutes: 30,
				CreatedBy:        "ops",
				Recurrence:       &booking.RecurrenceRequest{Type: booking.RecurrenceDaily, StartDate: tt.start, EndDate: &end},
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if len(repo.patterns) != 1 {
				t.Fatalf("patterns = %d", len(repo.patterns))
			}
			p := repo.patterns[0]
			if !p.StartDate.Equal(tt.wantStart) || p.EndDate == nil || !p.EndDate.Equal(tt.end) {
				t.Fatalf("pattern dates = %v..%v, want %v..%v", p.StartDate, p.EndDate, tt.wantStart, tt.end)
			}
			if res.Generated != len(tt.wantAt) || len(repo.bookings) != 1+len(tt.wantAt) {
				t.Fatalf("generated %d, stored %d, want %d recurring", res.Generated, len(repo.bookings), len(tt.wantAt))
			}
			for i, want := range tt.wantAt {
				if got := repo.bookings[i+1].ScheduledAt; !got.Equal(want) {
					t.Fatalf("occurrence %d at %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestCreateRejectsEndBeforeLocalAnchorDay(t *testing.T) {
	t.Parallel()
	chicago := mustZone(t, "America/Chicago")
	svc := booking.NewService(booking.ServiceConfig{}, &memRepo{}, New(chicago), nil, logx.Nop())
	end := date(2024, 1, 14)
	_, err := svc.Create(context.Background(), booking.CreateRequest{
		Pickup:           "41.88,-87.63",
		Destination:      "41.97,-87.90",
		ScheduledAt:      time.Date(2024, 1, 15, 20, 0, 0, 0, chicago),
		EstimatedMinutes: 30,
		CreatedBy:        "ops",
		Recurrence:       &booking.RecurrenceRequest{Type: booking.RecurrenceDaily, EndDate: &end},
	})
	if !errors.Is(err, booking.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSetLocationMovesLocalDates(t *testing.T) {
	t.Parallel()
	e := New(nil)
	if e.Location() != time.UTC {
		t.Fatalf("default zone = %v", e.Location())
	}
	chicago := mustZone(t, "America/Chicago")
	e.SetLocation(chicago)
	e.SetLocation(nil)
	if e.Location() != chicago {
		t.Fatalf("zone = %v, want America/Chicago", e.Location())
	}
}
