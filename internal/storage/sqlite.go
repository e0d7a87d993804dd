package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqlStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer. Every query in a transaction goes
	// through the tx carried in ctx, so one connection cannot deadlock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlTxKey struct{}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction carried by ctx, or the pool.
func (s *sqlStore) q(ctx context.Context) sqlExecutor {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTransaction runs fn with a transaction injected into ctx. A nested
// call joins the outer transaction.
func (s *sqlStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	return fn(context.WithValue(ctx, sqlTxKey{}, tx))
}

const sqliteBookingCols = `b.id, COALESCE(b.client_id, ''), COALESCE(b.driver_id, ''),
	b.pickup_address, b.pickup_lat, b.pickup_lng, b.dest_address, b.dest_lat, b.dest_lng,
	b.scheduled_at, b.estimated_minutes, b.estimated_cost, b.status, b.priority,
	COALESCE(b.recurrence_id, ''), COALESCE(b.ride_id, ''), b.created_by, b.created_at, b.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBooking(r rowScanner, extra ...any) (booking.Booking, error) {
	var (
		b                       booking.Booking
		sched, created, updated int64
		status, prio            string
	)
	dest := []any{
		&b.ID, &b.ClientID, &b.DriverID,
		&b.Pickup.Address, &b.Pickup.Point.Lat, &b.Pickup.Point.Lng,
		&b.Destination.Address, &b.Destination.Point.Lat, &b.Destination.Point.Lng,
		&sched, &b.EstimatedMinutes, &b.EstimatedCost, &status, &prio,
		&b.RecurrenceID, &b.RideID, &b.CreatedBy, &created, &updated,
	}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return booking.Booking{}, err
	}
	b.Status = booking.Status(status)
	b.Priority = booking.Priority(prio)
	b.ScheduledAt = fromMillis(sched)
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

func (s *sqlStore) CreatePattern(ctx context.Context, p booking.RecurrencePattern) error {
	var end any
	if p.EndDate != nil {
		end = p.EndDate.Format(time.DateOnly)
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO recurrence_patterns(id, type, start_date, end_date, weekdays, created_at) VALUES(?,?,?,?,?,?)`,
		p.ID, string(p.Type), p.StartDate.Format(time.DateOnly), end, joinWeekdays(p.Weekdays), toMillis(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

func (s *sqlStore) GetPattern(ctx context.Context, id string) (booking.RecurrencePattern, error) {
	var (
		p                booking.RecurrencePattern
		typ, start, days string
		end              sql.NullString
		created          int64
	)
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, type, start_date, end_date, weekdays, created_at FROM recurrence_patterns WHERE id = ?`, id,
	).Scan(&p.ID, &typ, &start, &end, &days, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.RecurrencePattern{}, ErrNotFound
	}
	if err != nil {
		return booking.RecurrencePattern{}, err
	}
	p.Type = booking.RecurrenceType(typ)
	if p.StartDate, err = time.Parse(time.DateOnly, start); err != nil {
		return booking.RecurrencePattern{}, fmt.Errorf("pattern %s start_date: %w", id, err)
	}
	if end.Valid {
		e, err := time.Parse(time.DateOnly, end.String)
		if err != nil {
			return booking.RecurrencePattern{}, fmt.Errorf("pattern %s end_date: %w", id, err)
		}
		p.EndDate = &e
	}
	p.Weekdays = splitWeekdays(days)
	p.CreatedAt = fromMillis(created)
	return p, nil
}

func (s *sqlStore) CreateBookings(ctx context.Context, bs []booking.Booking) error {
	if len(bs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO bookings(id, client_id, driver_id, pickup_address, pickup_lat, pickup_lng,
		dest_address, dest_lat, dest_lng, scheduled_at, estimated_minutes, estimated_cost, status, priority,
		recurrence_id, ride_id, created_by, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(bs)*19)
	for i, b := range bs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)")
		args = append(args,
			b.ID, nullStr(b.ClientID), nullStr(b.DriverID),
			b.Pickup.Address, b.Pickup.Point.Lat, b.Pickup.Point.Lng,
			b.Destination.Address, b.Destination.Point.Lat, b.Destination.Point.Lng,
			toMillis(b.ScheduledAt), b.EstimatedMinutes, b.EstimatedCost, string(b.Status), string(b.Priority),
			nullStr(b.RecurrenceID), nullStr(b.RideID), b.CreatedBy, toMillis(b.CreatedAt), toMillis(b.UpdatedAt),
		)
	}
	if _, err := s.q(ctx).ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert bookings: %w", err)
	}
	return nil
}

func (s *sqlStore) GetBooking(ctx context.Context, id string) (booking.Booking, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+sqliteBookingCols+` FROM bookings b WHERE b.id = ?`, id)
	b, err := scanSQLiteBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Booking{}, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) TransitionBooking(ctx context.Context, id string, from []booking.Status, to booking.Status, driverID string, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("transition %s: empty from set", id)
	}
	args := []any{string(to), nullStr(driverID), toMillis(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE bookings SET status = ?, driver_id = COALESCE(?, driver_id), updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetBooking(ctx, id); err != nil {
		return err
	}
	return booking.ErrConflict
}

func (s *sqlStore) UpsertDriver(ctx context.Context, d booking.Driver) error {
	status := d.Status
	if status == "" {
		status = booking.DriverAvailable
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO drivers(id, name, phone, status, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, status=excluded.status, updated_at=excluded.updated_at`,
		d.ID, d.Name, d.Phone, string(status), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetDriver(ctx context.Context, id string) (booking.Driver, error) {
	var (
		d      booking.Driver
		status string
	)
	err := s.q(ctx).QueryRowContext(ctx, `SELECT id, name, phone, status FROM drivers WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.Phone, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Driver{}, ErrNotFound
	}
	d.Status = booking.DriverStatus(status)
	return d, err
}

func (s *sqlStore) SetDriverStatus(ctx context.Context, driverID string, status booking.DriverStatus) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE drivers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), driverID)
	if err != nil {
		return fmt.Errorf("update driver status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListDue(ctx context.Context, iv timewindow.Interval, limit int) ([]booking.Due, error) {
	upper := "<="
	if iv.HalfOpen {
		upper = "<"
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+sqliteBookingCols+`, COALESCE(d.name, ''), COALESCE(d.phone, '')
		 FROM bookings b LEFT JOIN drivers d ON d.id = b.driver_id
		 WHERE b.status IN (?, ?) AND b.driver_id IS NOT NULL AND b.driver_id <> ''
		   AND b.scheduled_at >= ? AND b.scheduled_at `+upper+` ?
		 ORDER BY b.scheduled_at, b.id LIMIT ?`,
		string(booking.StatusPending), string(booking.StatusAssigned),
		toMillis(iv.Start), toMillis(iv.End), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due bookings: %w", err)
	}
	defer rows.Close()

	var out []booking.Due
	for rows.Next() {
		var due booking.Due
		b, err := scanSQLiteBooking(rows, &due.DriverName, &due.DriverPhone)
		if err != nil {
			return nil, err
		}
		due.Booking = b
		out = append(out, due)
	}
	return out, rows.Err()
}

func (s *sqlStore) PromoteBooking(ctx context.Context, bookingID string, ride booking.LiveRide, at time.Time) error {
	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		res, err := q.ExecContext(ctx,
			`UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			string(booking.StatusPromoted), toMillis(at), bookingID,
			string(booking.StatusPending), string(booking.StatusAssigned),
		)
		if err != nil {
			return fmt.Errorf("promote booking: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrAlreadyPromoted
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO rides(id, booking_id, driver_id, client_id, status, price, duration_minutes, tracking_code,
				pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng, started_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			ride.ID, bookingID, nullStr(ride.DriverID), nullStr(ride.ClientID), string(ride.Status), ride.Price,
			ride.DurationMinutes, ride.TrackingCode,
			ride.Pickup.Address, ride.Pickup.Point.Lat, ride.Pickup.Point.Lng,
			ride.Destination.Address, ride.Destination.Point.Lat, ride.Destination.Point.Lng,
			toMillis(ride.StartedAt),
		)
		if err != nil {
			return fmt.Errorf("insert ride: %w", err)
		}
		if _, err := q.ExecContext(ctx, `UPDATE bookings SET ride_id = ? WHERE id = ?`, ride.ID, bookingID); err != nil {
			return fmt.Errorf("link ride: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) GetRide(ctx context.Context, id string) (booking.LiveRide, error) {
	var (
		r       booking.LiveRide
		status  string
		started int64
	)
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, booking_id, COALESCE(driver_id, ''), COALESCE(client_id, ''), status, price, duration_minutes,
			tracking_code, pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng, started_at
		 FROM rides WHERE id = ?`, id,
	).Scan(&r.ID, &r.BookingID, &r.DriverID, &r.ClientID, &status, &r.Price, &r.DurationMinutes,
		&r.TrackingCode, &r.Pickup.Address, &r.Pickup.Point.Lat, &r.Pickup.Point.Lng,
		&r.Destination.Address, &r.Destination.Point.Lat, &r.Destination.Point.Lng, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.LiveRide{}, ErrNotFound
	}
	r.Status = booking.RideStatus(status)
	r.StartedAt = fromMillis(started)
	return r, err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, fail, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?,?)`,
		toMillis(e.At), e.Actor, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.q(ctx).QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func joinWeekdays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func splitWeekdays(s string) []time.Weekday {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil {
			out = append(out, time.Weekday(n))
		}
	}
	return out
}
