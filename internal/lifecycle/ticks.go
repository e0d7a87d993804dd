package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/promotion"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"
)

const defaultScanLimit = 1000

type result int

const (
	done result = iota
	skipped
)

type tickFunc func(ctx context.Context, manual bool) (TickReport, error)

type plan struct {
	window func(calc *timewindow.Calculator, ts TaskSettings) timewindow.Interval
	handle func(s *Service, ctx context.Context, due booking.Due) (result, error)
}

var plans = map[string]plan{
	TaskReminder: {
		window: func(calc *timewindow.Calculator, _ TaskSettings) timewindow.Interval {
			return calc.NextLocalDay()
		},
		handle: (*Service).remind,
	},
	TaskPromotion: {
		window: func(calc *timewindow.Calculator, ts TaskSettings) timewindow.Interval {
			return calc.Window(calc.Now(), ts.MarginMinutes)
		},
		handle: (*Service).promote,
	},
	TaskAlert: {
		window: func(calc *timewindow.Calculator, ts TaskSettings) timewindow.Interval {
			return calc.Window(calc.Now().Add(ts.Lookahead), ts.MarginMinutes)
		},
		handle: (*Service).alert,
	},
}

// tick builds the run function for name. A tick fails as a whole only when
// the due bookings cannot be listed; per-booking failures are counted.
func (s *Service) tick(name string) tickFunc {
	p := plans[name]
	return func(ctx context.Context, manual bool) (TickReport, error) {
		s.mu.Lock()
		cfg, calc := s.cfg, s.calc
		s.mu.Unlock()

		ts := cfg.settings(name)
		limit := cfg.ScanLimit
		if limit <= 0 {
			limit = defaultScanLimit
		}
		begin := time.Now()
		rep := TickReport{Task: name, Started: calc.Now(), Manual: manual}
		rep.Window = p.window(calc, ts)
		log := s.log.With(logx.String("task", name))

		due, err := s.store.ListDue(ctx, rep.Window, limit)
		if err != nil {
			rep.Error = err.Error()
			rep.Took = time.Since(begin)
			s.finish(log, rep)
			return rep, fmt.Errorf("%s: list due: %w", name, err)
		}
		rep.Found = len(due)
		if len(due) == limit {
			log.Warn("scan limit reached; remaining bookings wait for the next tick", logx.Int("limit", limit))
		}

		for i, d := range due {
			if ctx.Err() != nil {
				rep.Failed += len(due) - i
				log.Warn("tick interrupted", logx.Int("remaining", len(due)-i), logx.Err(ctx.Err()))
				break
			}
			res, err := s.protect(ctx, log, d, p.handle)
			switch {
			case err != nil:
				rep.Failed++
			case res == skipped:
				rep.Skipped++
			default:
				rep.Succeeded++
			}
		}
		rep.Took = time.Since(begin)
		s.finish(log, rep)
		return rep, nil
	}
}

func (s *Service) protect(ctx context.Context, log logx.Logger, d booking.Due, fn func(*Service, context.Context, booking.Due) (result, error)) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("booking handler panic",
				logx.String("booking_id", d.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = fn(s, ctx, d)
	if err != nil {
		log.Warn("booking handler failed", logx.String("booking_id", d.ID), logx.Err(err))
	}
	return res, err
}

func (s *Service) finish(log logx.Logger, rep TickReport) {
	s.setLast(rep)
	eventbus.Emit(s.bus, "lifecycle.tick", rep)
	fields := []logx.Field{
		logx.String("window", rep.Window.String()),
		logx.Int("found", rep.Found),
		logx.Int("ok", rep.Succeeded),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	switch {
	case rep.Error != "" || rep.Failed > 0:
		log.Warn("tick finished with failures", fields...)
	case rep.Found > 0 || rep.Manual:
		log.Info("tick finished", fields...)
	default:
		log.Debug("tick finished", fields...)
	}
}

// stillDue re-reads the booking so a cancellation after selection wins.
func (s *Service) stillDue(ctx context.Context, d booking.Due) (bool, error) {
	b, err := s.store.GetBooking(ctx, d.ID)
	if err != nil {
		return false, err
	}
	return b.Status.Promotable() && b.HasDriver(), nil
}

func (s *Service) remind(ctx context.Context, d booking.Due) (result, error) {
	ok, err := s.stillDue(ctx, d)
	if err != nil || !ok {
		return skipped, err
	}
	if err := s.notify.Notify(ctx, ReminderMessage(d, s.location())); err != nil {
		return done, err
	}
	return done, nil
}

func (s *Service) alert(ctx context.Context, d booking.Due) (result, error) {
	ok, err := s.stillDue(ctx, d)
	if err != nil || !ok {
		return skipped, err
	}
	left := s.calculator().TimeUntil(d.ScheduledAt)
	if err := s.notify.Notify(ctx, AlertMessage(d, left, s.location())); err != nil {
		return done, err
	}
	return done, nil
}

func (s *Service) promote(ctx context.Context, d booking.Due) (result, error) {
	out, err := s.promoter.Promote(ctx, d)
	if err != nil {
		return done, err
	}
	if out.Result == promotion.Skipped {
		return skipped, nil
	}
	return done, nil
}

func (s *Service) location() *time.Location {
	return s.calculator().Location()
}

func (s *Service) calculator() *timewindow.Calculator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calc
}
