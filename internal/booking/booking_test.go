package booking

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"testing"
	"time"

	logx "dispatchd/pkg/logx"
)

func TestParsePoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Point
		wantErr bool
	}{
		{in: "41.8781,-87.6298", want: Point{Lat: 41.8781, Lng: -87.6298}},
		{in: " 0 , 0 ", want: Point{}},
		{in: "91,0", wantErr: true},
		{in: "0,181", wantErr: true},
		{in: "abc,1", wantErr: true},
		{in: "1;2", wantErr: true},
		{in: "1,2,3", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePoint(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("err = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParsePoint(%q) = %+v, %v", tt.in, got, err)
			}
		})
	}
}

func TestLinearFare(t *testing.T) {
	t.Parallel()
	f := LinearFare{Base: 3.5, PerMinute: 0.333}
	got, err := f.Estimate(context.Background(), Point{}, 30)
	if err != nil || got != 13.49 {
		t.Fatalf("Estimate = %v, %v", got, err)
	}
	if _, err := f.Estimate(context.Background(), Point{}, -1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	if !StatusPending.Promotable() || !StatusAssigned.Promotable() || StatusConfirmed.Promotable() {
		t.Fatal("promotable set must be pending and assigned only")
	}
	for _, s := range []Status{StatusPromoted, StatusCompleted, StatusCancelled} {
		if !s.Terminal() || s.Promotable() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if Status("done").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}

type fakeRepo struct {
	patterns []RecurrencePattern
	batches  [][]Booking
	drivers  map[string]Driver
	bookings map[string]Booking
	failOn   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{drivers: map[string]Driver{"drv-1": {ID: "drv-1", Phone: "+15550001"}}, bookings: map[string]Booking{}}
}

func (r *fakeRepo) WithinTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (r *fakeRepo) CreatePattern(_ context.Context, p RecurrencePattern) error {
	r.patterns = append(r.patterns, p)
	return nil
}

func (r *fakeRepo) CreateBookings(_ context.Context, bs []Booking) error {
	if r.failOn > 0 && len(r.batches)+1 == r.failOn {
		return errors.New("disk full")
	}
	r.batches = append(r.batches, slices.Clone(bs))
	for _, b := range bs {
		r.bookings[b.ID] = b
	}
	return nil
}

func (r *fakeRepo) GetBooking(_ context.Context, id string) (Booking, error) {
	b, ok := r.bookings[id]
	if !ok {
		return Booking{}, ErrNotFound
	}
	return b, nil
}

func (r *fakeRepo) GetDriver(_ context.Context, id string) (Driver, error) {
	d, ok := r.drivers[id]
	if !ok {
		return Driver{}, ErrNotFound
	}
	return d, nil
}

func (r *fakeRepo) TransitionBooking(_ context.Context, id string, from []Status, to Status, driverID string, at time.Time) error {
	b, ok := r.bookings[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, b.Status) {
		return ErrConflict
	}
	b.Status = to
	if driverID != "" {
		b.DriverID = driverID
	}
	b.UpdatedAt = at
	r.bookings[id] = b
	return nil
}

type countingExpander struct{ n int }

func (countingExpander) Location() *time.Location { return time.UTC }

func (e countingExpander) Expand(p RecurrencePattern, anchor Booking) ([]Booking, error) {
	out := make([]Booking, e.n)
	for i := range out {
		b := anchor
		b.ID = anchor.ID + "-" + strconv.Itoa(i)
		b.RecurrenceID = p.ID
		out[i] = b
	}
	return out, nil
}

func baseRequest() CreateRequest {
	return CreateRequest{
		Pickup:           "41.88,-87.63",
		Destination:      "41.97,-87.90",
		ScheduledAt:      time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC),
		EstimatedMinutes: 40,
		CreatedBy:        "dispatcher-1",
	}
}

func TestCreateSingleBooking(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(ServiceConfig{}, repo, nil, LinearFare{Base: 5, PerMinute: 1}, logx.Nop())
	res, err := svc.Create(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := res.Booking
	if b.Status != StatusPending || b.Priority != PriorityNormal || b.EstimatedCost != 45 {
		t.Fatalf("booking = %+v", b)
	}
	if res.Pattern != nil || res.Generated != 0 || len(repo.batches) != 1 {
		t.Fatalf("unexpected recurrence output: %+v batches=%d", res, len(repo.batches))
	}
}

func TestCreateWithDriverIsAssigned(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(ServiceConfig{}, repo, nil, nil, logx.Nop())
	req := baseRequest()
	req.DriverID = "drv-1"
	cost := 12.0
	req.EstimatedCost = &cost
	res, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Booking.Status != StatusAssigned || res.Booking.EstimatedCost != 12 {
		t.Fatalf("booking = %+v", res.Booking)
	}

	req.DriverID = "ghost"
	if _, err := svc.Create(context.Background(), req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateRecurringBatches(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(ServiceConfig{BatchSize: 50}, repo, countingExpander{n: 120}, nil, logx.Nop())
	req := baseRequest()
	req.Recurrence = &RecurrenceRequest{Type: RecurrenceDaily}
	res, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Generated != 120 || res.Pattern == nil || res.Booking.RecurrenceID != res.Pattern.ID {
		t.Fatalf("result = %+v", res)
	}
	// anchor + 50 + 50 + 20
	sizes := []int{}
	for _, b := range repo.batches {
		sizes = append(sizes, len(b))
	}
	if !slices.Equal(sizes, []int{1, 50, 50, 20}) {
		t.Fatalf("batch sizes = %v", sizes)
	}
	if len(repo.patterns) != 1 {
		t.Fatalf("patterns = %d", len(repo.patterns))
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc := NewService(ServiceConfig{}, newFakeRepo(), countingExpander{}, nil, logx.Nop())
	tests := []struct {
		name string
		mut  func(*CreateRequest)
	}{
		{name: "bad pickup", mut: func(r *CreateRequest) { r.Pickup = "x" }},
		{name: "no schedule", mut: func(r *CreateRequest) { r.ScheduledAt = time.Time{} }},
		{name: "zero duration", mut: func(r *CreateRequest) { r.EstimatedMinutes = 0 }},
		{name: "bad priority", mut: func(r *CreateRequest) { r.Priority = "asap" }},
		{name: "no creator", mut: func(r *CreateRequest) { r.CreatedBy = " " }},
		{name: "bad recurrence", mut: func(r *CreateRequest) { r.Recurrence = &RecurrenceRequest{Type: "yearly"} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := baseRequest()
			tt.mut(&req)
			if _, err := svc.Create(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestAssignAndCancel(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(ServiceConfig{}, repo, nil, nil, logx.Nop())
	res, err := svc.Create(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := res.Booking.ID
	if err := svc.Assign(context.Background(), id, "drv-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got, _ := svc.Get(context.Background(), id); got.Status != StatusAssigned || got.DriverID != "drv-1" {
		t.Fatalf("after assign = %+v", got)
	}
	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.Cancel(context.Background(), id); !errors.Is(err, ErrConflict) {
		t.Fatalf("second cancel err = %v, want ErrConflict", err)
	}
	if err := svc.Assign(context.Background(), "missing", "drv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assign missing err = %v", err)
	}
}
