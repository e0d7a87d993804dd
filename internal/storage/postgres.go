package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTxKey struct{}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// getTx retrieves the transaction from ctx, or nil if not present.
func getTx(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

func (s *pgStore) q(ctx context.Context) pgExecutor {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// WithinTransaction executes fn within a transaction injected into ctx.
// A nested call joins the outer transaction.
func (s *pgStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if getTx(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	return fn(context.WithValue(ctx, pgTxKey{}, tx))
}

const pgBookingCols = `b.id, COALESCE(b.client_id, ''), COALESCE(b.driver_id, ''),
	b.pickup_address, b.pickup_lat, b.pickup_lng, b.dest_address, b.dest_lat, b.dest_lng,
	b.scheduled_at, b.estimated_minutes, b.estimated_cost, b.status, b.priority,
	COALESCE(b.recurrence_id, ''), COALESCE(b.ride_id, ''), b.created_by, b.created_at, b.updated_at`

func scanPGBooking(r pgx.Row, extra ...any) (booking.Booking, error) {
	var (
		b            booking.Booking
		status, prio string
	)
	dest := []any{
		&b.ID, &b.ClientID, &b.DriverID,
		&b.Pickup.Address, &b.Pickup.Point.Lat, &b.Pickup.Point.Lng,
		&b.Destination.Address, &b.Destination.Point.Lat, &b.Destination.Point.Lng,
		&b.ScheduledAt, &b.EstimatedMinutes, &b.EstimatedCost, &status, &prio,
		&b.RecurrenceID, &b.RideID, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
	}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return booking.Booking{}, err
	}
	b.Status = booking.Status(status)
	b.Priority = booking.Priority(prio)
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *pgStore) CreatePattern(ctx context.Context, p booking.RecurrencePattern) error {
	days := make([]int32, len(p.Weekdays))
	for i, d := range p.Weekdays {
		days[i] = int32(d)
	}
	var end any
	if p.EndDate != nil {
		end = p.EndDate.Format(time.DateOnly)
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO recurrence_patterns (id, type, start_date, end_date, weekdays, created_at)
		 VALUES ($1, $2, $3::date, $4::date, $5, $6)`,
		p.ID, string(p.Type), p.StartDate.Format(time.DateOnly), end, days, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

func (s *pgStore) GetPattern(ctx context.Context, id string) (booking.RecurrencePattern, error) {
	var (
		p    booking.RecurrencePattern
		typ  string
		end  *time.Time
		days []int32
	)
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, type, start_date, end_date, weekdays, created_at FROM recurrence_patterns WHERE id = $1`, id,
	).Scan(&p.ID, &typ, &p.StartDate, &end, &days, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.RecurrencePattern{}, ErrNotFound
	}
	if err != nil {
		return booking.RecurrencePattern{}, err
	}
	p.Type = booking.RecurrenceType(typ)
	p.EndDate = end
	for _, d := range days {
		p.Weekdays = append(p.Weekdays, time.Weekday(d))
	}
	return p, nil
}

// CreateBookings sends one insert per booking in a single pgx batch.
func (s *pgStore) CreateBookings(ctx context.Context, bs []booking.Booking) error {
	if len(bs) == 0 {
		return nil
	}
	const insert = `INSERT INTO bookings (id, client_id, driver_id, pickup_address, pickup_lat, pickup_lng,
		dest_address, dest_lat, dest_lng, scheduled_at, estimated_minutes, estimated_cost, status, priority,
		recurrence_id, ride_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	batch := &pgx.Batch{}
	for _, b := range bs {
		batch.Queue(insert,
			b.ID, nullStr(b.ClientID), nullStr(b.DriverID),
			b.Pickup.Address, b.Pickup.Point.Lat, b.Pickup.Point.Lng,
			b.Destination.Address, b.Destination.Point.Lat, b.Destination.Point.Lng,
			b.ScheduledAt.UTC(), b.EstimatedMinutes, b.EstimatedCost, string(b.Status), string(b.Priority),
			nullStr(b.RecurrenceID), nullStr(b.RideID), b.CreatedBy, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
		)
	}
	var br pgx.BatchResults
	if tx := getTx(ctx); tx != nil {
		br = tx.SendBatch(ctx, batch)
	} else {
		br = s.pool.SendBatch(ctx, batch)
	}
	for range bs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert bookings: %w", err)
		}
	}
	return br.Close()
}

func (s *pgStore) GetBooking(ctx context.Context, id string) (booking.Booking, error) {
	b, err := scanPGBooking(s.q(ctx).QueryRow(ctx, `SELECT `+pgBookingCols+` FROM bookings b WHERE b.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Booking{}, ErrNotFound
	}
	return b, err
}

func (s *pgStore) TransitionBooking(ctx context.Context, id string, from []booking.Status, to booking.Status, driverID string, at time.Time) error {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE bookings SET status = $1, driver_id = COALESCE($2, driver_id), updated_at = $3
		 WHERE id = $4 AND status = ANY($5)`,
		string(to), nullStr(driverID), at.UTC(), id, statuses,
	)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetBooking(ctx, id); err != nil {
		return err
	}
	return booking.ErrConflict
}

func (s *pgStore) UpsertDriver(ctx context.Context, d booking.Driver) error {
	status := d.Status
	if status == "" {
		status = booking.DriverAvailable
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO drivers (id, name, phone, status, updated_at) VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone, status = EXCLUDED.status, updated_at = NOW()`,
		d.ID, d.Name, d.Phone, string(status),
	)
	return err
}

func (s *pgStore) GetDriver(ctx context.Context, id string) (booking.Driver, error) {
	var (
		d      booking.Driver
		status string
	)
	err := s.q(ctx).QueryRow(ctx, `SELECT id, name, phone, status FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Phone, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Driver{}, ErrNotFound
	}
	d.Status = booking.DriverStatus(status)
	return d, err
}

func (s *pgStore) SetDriverStatus(ctx context.Context, driverID string, status booking.DriverStatus) error {
	tag, err := s.q(ctx).Exec(ctx, `UPDATE drivers SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), driverID)
	if err != nil {
		return fmt.Errorf("update driver status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ListDue(ctx context.Context, iv timewindow.Interval, limit int) ([]booking.Due, error) {
	upper := "<="
	if iv.HalfOpen {
		upper = "<"
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.q(ctx).Query(ctx,
		`SELECT `+pgBookingCols+`, COALESCE(d.name, ''), COALESCE(d.phone, '')
		 FROM bookings b LEFT JOIN drivers d ON d.id = b.driver_id
		 WHERE b.status = ANY($1) AND b.driver_id IS NOT NULL AND b.driver_id <> ''
		   AND b.scheduled_at >= $2 AND b.scheduled_at `+upper+` $3
		 ORDER BY b.scheduled_at, b.id LIMIT $4`,
		[]string{string(booking.StatusPending), string(booking.StatusAssigned)},
		iv.Start.UTC(), iv.End.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due bookings: %w", err)
	}
	defer rows.Close()

	var out []booking.Due
	for rows.Next() {
		var due booking.Due
		b, err := scanPGBooking(rows, &due.DriverName, &due.DriverPhone)
		if err != nil {
			return nil, err
		}
		due.Booking = b
		out = append(out, due)
	}
	return out, rows.Err()
}

func (s *pgStore) PromoteBooking(ctx context.Context, bookingID string, ride booking.LiveRide, at time.Time) error {
	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		tag, err := q.Exec(ctx,
			`UPDATE bookings SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
			string(booking.StatusPromoted), at.UTC(), bookingID,
			string(booking.StatusPending), string(booking.StatusAssigned),
		)
		if err != nil {
			return fmt.Errorf("promote booking: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ErrAlreadyPromoted
		}
		_, err = q.Exec(ctx,
			`INSERT INTO rides (id, booking_id, driver_id, client_id, status, price, duration_minutes, tracking_code,
				pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng, started_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			ride.ID, bookingID, nullStr(ride.DriverID), nullStr(ride.ClientID), string(ride.Status), ride.Price,
			ride.DurationMinutes, ride.TrackingCode,
			ride.Pickup.Address, ride.Pickup.Point.Lat, ride.Pickup.Point.Lng,
			ride.Destination.Address, ride.Destination.Point.Lat, ride.Destination.Point.Lng,
			ride.StartedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert ride: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE bookings SET ride_id = $1 WHERE id = $2`, ride.ID, bookingID); err != nil {
			return fmt.Errorf("link ride: %w", err)
		}
		return nil
	})
}

func (s *pgStore) GetRide(ctx context.Context, id string) (booking.LiveRide, error) {
	var (
		r      booking.LiveRide
		status string
	)
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, booking_id, COALESCE(driver_id, ''), COALESCE(client_id, ''), status, price, duration_minutes,
			tracking_code, pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng, started_at
		 FROM rides WHERE id = $1`, id,
	).Scan(&r.ID, &r.BookingID, &r.DriverID, &r.ClientID, &status, &r.Price, &r.DurationMinutes,
		&r.TrackingCode, &r.Pickup.Address, &r.Pickup.Point.Lat, &r.Pickup.Point.Lng,
		&r.Destination.Address, &r.Destination.Point.Lat, &r.Destination.Point.Lng, &r.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.LiveRide{}, ErrNotFound
	}
	r.Status = booking.RideStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	return r, err
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO audit (at, actor, action, target, ok, fail, err, took_ms, meta) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.At.UTC(), e.Actor, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO dedup (key, until) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`,
		key, until.UTC(),
	)
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.q(ctx).QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
