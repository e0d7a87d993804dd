package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dispatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleBooking(id string, at time.Time, status booking.Status, driver string) booking.Booking {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return booking.Booking{
		ID:               id,
		ClientID:         "client-1",
		DriverID:         driver,
		Pickup:           booking.Place{Address: "1 Main St", Point: booking.Point{Lat: 41.88, Lng: -87.63}},
		Destination:      booking.Place{Address: "O'Hare", Point: booking.Point{Lat: 41.97, Lng: -87.90}},
		ScheduledAt:      at,
		EstimatedMinutes: 30,
		EstimatedCost:    24.5,
		Status:           status,
		Priority:         booking.PriorityNormal,
		CreatedBy:        "dispatcher",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func sampleRide(id, bookingID string) booking.LiveRide {
	return booking.LiveRide{
		ID:              id,
		BookingID:       bookingID,
		DriverID:        "drv-1",
		ClientID:        "client-1",
		Status:          booking.RideInProgress,
		Price:           24.5,
		DurationMinutes: 30,
		TrackingCode:    "RD-" + id,
		StartedAt:       time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestSQLiteBookingRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	p := booking.RecurrencePattern{
		ID:        "pat-1",
		Type:      booking.RecurrenceWeekly,
		StartDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		EndDate:   &end,
		Weekdays:  []time.Weekday{time.Monday, time.Friday},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	b := sampleBooking("b-1", time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), booking.StatusAssigned, "drv-1")
	b.RecurrenceID = p.ID

	err := st.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := st.CreatePattern(ctx, p); err != nil {
			return err
		}
		return st.CreateBookings(ctx, []booking.Booking{b})
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetBooking(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	if !got.ScheduledAt.Equal(b.ScheduledAt) || got.RecurrenceID != "pat-1" || got.Pickup != b.Pickup || got.Status != booking.StatusAssigned {
		t.Fatalf("got %+v", got)
	}

	gp, err := st.GetPattern(ctx, "pat-1")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if gp.EndDate == nil || !gp.EndDate.Equal(end) || len(gp.Weekdays) != 2 || gp.Weekdays[1] != time.Friday {
		t.Fatalf("pattern = %+v", gp)
	}

	if _, err := st.GetBooking(ctx, "missing"); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteTransactionRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)
	boom := errors.New("boom")

	err := st.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := st.CreateBookings(ctx, []booking.Booking{sampleBooking("b-1", time.Now().UTC(), booking.StatusPending, "")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := st.GetBooking(ctx, "b-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("booking survived rollback: %v", err)
	}
}

func TestSQLiteListDueWindowBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)
	if err := st.UpsertDriver(ctx, booking.Driver{ID: "drv-1", Name: "Ana", Phone: "+15550001"}); err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}

	start := time.Date(2024, 1, 16, 6, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	bs := []booking.Booking{
		sampleBooking("at-start", start, booking.StatusAssigned, "drv-1"),
		sampleBooking("inside", start.Add(2*time.Hour), booking.StatusPending, "drv-1"),
		sampleBooking("at-end", end, booking.StatusAssigned, "drv-1"),
		sampleBooking("no-driver", start.Add(time.Hour), booking.StatusPending, ""),
		sampleBooking("cancelled", start.Add(time.Hour), booking.StatusCancelled, "drv-1"),
		sampleBooking("confirmed", start.Add(time.Hour), booking.StatusConfirmed, "drv-1"),
		sampleBooking("before", start.Add(-time.Second), booking.StatusAssigned, "drv-1"),
	}
	if err := st.CreateBookings(ctx, bs); err != nil {
		t.Fatalf("CreateBookings: %v", err)
	}

	tests := []struct {
		name     string
		halfOpen bool
		want     []string
	}{
		{name: "half-open", halfOpen: true, want: []string{"at-start", "inside"}},
		{name: "closed", halfOpen: false, want: []string{"at-start", "inside", "at-end"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			due, err := st.ListDue(ctx, timewindow.Interval{Start: start, End: end, HalfOpen: tt.halfOpen}, 0)
			if err != nil {
				t.Fatalf("ListDue: %v", err)
			}
			if len(due) != len(tt.want) {
				t.Fatalf("got %d due, want %d: %+v", len(due), len(tt.want), due)
			}
			for i, d := range due {
				if d.ID != tt.want[i] {
					t.Fatalf("due[%d] = %s, want %s", i, d.ID, tt.want[i])
				}
				if d.DriverName != "Ana" || d.DriverPhone != "+15550001" {
					t.Fatalf("driver contact missing: %+v", d)
				}
			}
		})
	}
}

func TestSQLiteTransitionBooking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)
	if err := st.CreateBookings(ctx, []booking.Booking{sampleBooking("b-1", time.Now().UTC(), booking.StatusPending, "")}); err != nil {
		t.Fatalf("CreateBookings: %v", err)
	}
	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	if err := st.TransitionBooking(ctx, "b-1", []booking.Status{booking.StatusPending}, booking.StatusAssigned, "drv-9", at); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, _ := st.GetBooking(ctx, "b-1")
	if got.Status != booking.StatusAssigned || got.DriverID != "drv-9" || !got.UpdatedAt.Equal(at) {
		t.Fatalf("got %+v", got)
	}
	// Pending no longer matches.
	err := st.TransitionBooking(ctx, "b-1", []booking.Status{booking.StatusPending}, booking.StatusCancelled, "", at)
	if !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	err = st.TransitionBooking(ctx, "nope", []booking.Status{booking.StatusPending}, booking.StatusCancelled, "", at)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLitePromoteExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)
	if err := st.CreateBookings(ctx, []booking.Booking{sampleBooking("b-1", time.Now().UTC(), booking.StatusAssigned, "drv-1")}); err != nil {
		t.Fatalf("CreateBookings: %v", err)
	}

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		skipped int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ride := sampleRide("ride-"+string(rune('a'+i)), "b-1")
			err := st.PromoteBooking(ctx, "b-1", ride, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyPromoted):
				skipped++
			default:
				t.Errorf("PromoteBooking: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || skipped != racers-1 {
		t.Fatalf("ok = %d, skipped = %d", ok, skipped)
	}

	got, err := st.GetBooking(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	if got.Status != booking.StatusPromoted || got.RideID == "" {
		t.Fatalf("booking = %+v", got)
	}
	ride, err := st.GetRide(ctx, got.RideID)
	if err != nil {
		t.Fatalf("GetRide: %v", err)
	}
	if ride.BookingID != "b-1" || ride.Status != booking.RideInProgress || ride.TrackingCode == "" {
		t.Fatalf("ride = %+v", ride)
	}
}

func TestSQLiteDriverStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)
	if err := st.UpsertDriver(ctx, booking.Driver{ID: "drv-1", Name: "Ana", Phone: "+1555"}); err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
	if err := st.SetDriverStatus(ctx, "drv-1", booking.DriverEnRoute); err != nil {
		t.Fatalf("SetDriverStatus: %v", err)
	}
	d, err := st.GetDriver(ctx, "drv-1")
	if err != nil || d.Status != booking.DriverEnRoute {
		t.Fatalf("driver = %+v, err = %v", d, err)
	}
	if err := st.SetDriverStatus(ctx, "ghost", booking.DriverBusy); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDedupAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	if _, ok, err := st.GetDedup(ctx, "k"); err != nil || ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("got %v ok=%v err=%v", got, ok, err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{Actor: "admin", Action: "task.run", Target: "promotion-tick", OK: 2}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}
