// Package lifecycle runs the three periodic scheduled-ride tasks:
//
//   - nightly-reminder: reminds drivers of tomorrow's (local day) rides
//   - promotion-tick: turns due bookings into live rides
//   - upcoming-alert: warns drivers of rides starting soon
//
// Ticks are registered on the cron trigger service and executed by the task
// engine; Trigger runs one on demand and returns its TickReport.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/notifier"
	"dispatchd/internal/promotion"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/scheduler"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"
)

const (
	TaskReminder  = "nightly-reminder"
	TaskPromotion = "promotion-tick"
	TaskAlert     = "upcoming-alert"
)

// TaskNames lists the tasks in registration order.
var TaskNames = []string{TaskReminder, TaskPromotion, TaskAlert}

var ErrUnknownTask = errors.New("lifecycle: unknown task")

type Store interface {
	ListDue(ctx context.Context, iv timewindow.Interval, limit int) ([]booking.Due, error)
	GetBooking(ctx context.Context, id string) (booking.Booking, error)
}

type Promoter interface {
	Promote(ctx context.Context, due booking.Due) (promotion.Outcome, error)
}

type Notifier interface {
	Notify(ctx context.Context, m notifier.Message) error
}

type TaskSettings struct {
	Enabled       bool
	Schedule      string
	MarginMinutes float64
	// Lookahead shifts the window center forward (alert only).
	Lookahead time.Duration
	Timeout   time.Duration
}

type Config struct {
	Reminder  TaskSettings
	Promotion TaskSettings
	Alert     TaskSettings
	// ScanLimit caps the bookings handled by one tick. 0 means 1000.
	ScanLimit int
}

func (c Config) settings(name string) TaskSettings {
	switch name {
	case TaskReminder:
		return c.Reminder
	case TaskPromotion:
		return c.Promotion
	default:
		return c.Alert
	}
}

// TickReport summarizes one run of a task.
type TickReport struct {
	Task      string              `json:"task"`
	Window    timewindow.Interval `json:"window"`
	Found     int                 `json:"found"`
	Succeeded int                 `json:"succeeded"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Started   time.Time           `json:"started"`
	Took      time.Duration       `json:"took"`
	Manual    bool                `json:"manual,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type TaskStatus struct {
	Name     string      `json:"name"`
	Enabled  bool        `json:"enabled"`
	Spec     string      `json:"spec"`
	Timezone string      `json:"timezone"`
	Active   bool        `json:"active"`
	Running  bool        `json:"running"`
	Next     time.Time   `json:"next,omitempty"`
	Prev     time.Time   `json:"prev,omitempty"`
	Last     *TickReport `json:"last,omitempty"`
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	calc *timewindow.Calculator

	store    Store
	promoter Promoter
	notify   Notifier
	sched    *scheduler.Service
	eng      *engine.Service
	log      logx.Logger
	bus      eventbus.Bus

	lastMu sync.Mutex
	last   map[string]TickReport
}

type Deps struct {
	Store     Store
	Promoter  Promoter
	Notifier  Notifier
	Scheduler *scheduler.Service
	Engine    *engine.Service
	Log       logx.Logger
	Bus       eventbus.Bus
}

func New(cfg Config, calc *timewindow.Calculator, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		calc:     calc,
		store:    d.Store,
		promoter: d.Promoter,
		notify:   d.Notifier,
		sched:    d.Scheduler,
		eng:      d.Engine,
		log:      d.Log,
		bus:      d.Bus,
		last:     map[string]TickReport{},
	}
}

// Register puts every enabled task on the scheduler and removes disabled
// ones. It is safe to call again after Apply.
func (s *Service) Register() error {
	if s.sched == nil {
		return errors.New("lifecycle: no scheduler")
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var errs []error
	for _, name := range TaskNames {
		ts := cfg.settings(name)
		if !ts.Enabled {
			s.sched.Remove(name)
			continue
		}
		tick := s.tick(name)
		job := func(ctx context.Context) error {
			_, err := tick(ctx, false)
			return err
		}
		if _, err := s.sched.AddSchedule(name, ts.Schedule, ts.Timeout, taskOptions(name), job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// The store CAS makes overlapping promotion ticks harmless; notification
// ticks skip instead so a slow run cannot double-send.
func taskOptions(name string) engine.TaskOptions {
	if name == TaskPromotion {
		return engine.TaskOptions{Overlap: engine.OverlapAllow}
	}
	return engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
}

// Apply swaps settings and the window calculator, then re-registers.
func (s *Service) Apply(cfg Config, calc *timewindow.Calculator) error {
	s.mu.Lock()
	s.cfg = cfg
	if calc != nil {
		s.calc = calc
	}
	s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	return s.Register()
}

// Trigger runs name now and returns its report. When the task is scheduled
// the run shares its overlap state.
func (s *Service) Trigger(ctx context.Context, name string) (TickReport, error) {
	if !known(name) {
		return TickReport{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	tick := s.tick(name)

	var (
		rep    TickReport
		ranErr error
	)
	run := func(ctx context.Context) error {
		rep, ranErr = tick(ctx, true)
		return ranErr
	}
	if s.eng == nil {
		err := run(ctx)
		return rep, err
	}

	t := engine.Task{Name: name, Opt: taskOptions(name), State: &engine.RunState{}}
	if s.sched != nil {
		if st, ok := s.sched.Task(name); ok {
			t = st
		}
	}
	t.ID = ""
	t.Run = run
	if err := s.eng.Run(ctx, t); err != nil {
		return rep, err
	}
	return rep, nil
}

// Status reports each task with its schedule and last run.
func (s *Service) Status() []TaskStatus {
	s.mu.Lock()
	cfg := s.cfg
	zone := s.calc.Location().String()
	s.mu.Unlock()

	infos := map[string]scheduler.ScheduleInfo{}
	if s.sched != nil {
		for _, it := range s.sched.Snapshot().Schedules {
			infos[it.Name] = it
		}
	}

	out := make([]TaskStatus, 0, len(TaskNames))
	for _, name := range TaskNames {
		ts := cfg.settings(name)
		st := TaskStatus{Name: name, Enabled: ts.Enabled, Spec: ts.Schedule, Timezone: zone}
		if it, ok := infos[name]; ok {
			st.Spec, st.Timezone = it.Spec, it.Timezone
			st.Active, st.Running = it.Active, it.Running
			st.Next, st.Prev = it.Next, it.Prev
		}
		if r, ok := s.lastReport(name); ok {
			st.Last = &r
		}
		out = append(out, st)
	}
	return out
}

func known(name string) bool {
	for _, n := range TaskNames {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Service) lastReport(name string) (TickReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	r, ok := s.last[name]
	return r, ok
}

func (s *Service) setLast(r TickReport) {
	s.lastMu.Lock()
	s.last[r.Task] = r
	s.lastMu.Unlock()
}
