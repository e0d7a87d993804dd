package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dispatchd/internal/task/engine"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		wantKind SpecKind
		wantCron string
		wantErr  bool
	}{
		{in: "*/5 * * * *", wantKind: SpecCron, wantCron: "*/5 * * * *"},
		{in: "0 22 * * *", wantKind: SpecCron, wantCron: "0 22 * * *"},
		{in: "@hourly", wantKind: SpecCron, wantCron: "@hourly"},
		{in: "55m", wantKind: SpecInterval, wantCron: "@every 55m0s"},
		{in: "every:90s", wantKind: SpecInterval, wantCron: "@every 1m30s"},
		{in: "02:30", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "cron:0 0 * * 1", wantKind: SpecCron, wantCron: "0 0 * * 1"},
		{in: "every minute", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "", wantErr: true},
		{in: "-5m", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			ps, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) expected error, got %+v", tt.in, ps)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if ps.Kind != tt.wantKind || ps.CronSpec() != tt.wantCron {
				t.Fatalf("ParseSchedule(%q) = kind %v spec %q", tt.in, ps.Kind, ps.CronSpec())
			}
		})
	}
}

func TestAddCronUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if _, err := s.AddCron("tick", "* * * * *", 0, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if _, err := s.AddCron("tick", "*/5 * * * *", 0, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "*/5 * * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if _, err := s.AddCron("bad", "not a spec", 0, noop); err == nil {
		t.Fatal("expected invalid spec error")
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove should report true once")
	}
}

func TestSnapshotNextUsesZone(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "America/Chicago"}, nil, logx.Nop(), nil)
	if _, err := s.AddDaily("nightly", "22:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if snap.Timezone != "America/Chicago" || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	info := snap.Schedules[0]
	if !info.Active {
		t.Fatal("schedule should be active after Start")
	}
	next := info.Next.In(s.Location())
	if next.Hour() != 22 || next.Minute() != 0 {
		t.Fatalf("next = %v, want 22:00 local", next)
	}
}

func TestLocationMatchesWindowZone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tz   string
		want string
	}{
		{tz: "", want: "UTC"},
		{tz: "America/Chicago", want: "America/Chicago"},
		{tz: "Asia/Tokyo", want: "Asia/Tokyo"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			s := New(Config{Enabled: true, Timezone: tt.tz}, nil, logx.Nop(), nil)
			calc, err := timewindow.New(tt.tz, nil)
			if err != nil {
				t.Fatalf("timewindow.New(%q): %v", tt.tz, err)
			}
			if got := s.Location().String(); got != tt.want || got != calc.Location().String() {
				t.Fatalf("scheduler zone %q, window zone %q, want %q", got, calc.Location(), tt.want)
			}
		})
	}

	bad := New(Config{Timezone: "Mars/Olympus"}, nil, logx.Nop(), nil)
	if bad.Location() != time.UTC {
		t.Fatalf("invalid zone fell back to %v, want UTC", bad.Location())
	}
}

func TestTriggerEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil)
	var runs atomic.Int32
	if _, err := s.AddCronOpt("fast", "@every 1s", time.Second, TaskOptions{Overlap: OverlapAllow}, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddCronOpt: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTaskSharesRunState(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	if _, err := s.AddCron("x", "* * * * *", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	a, ok := s.Task("x")
	b, _ := s.Task("x")
	if !ok || a.State == nil || a.State != b.State {
		t.Fatal("Task should return the schedule's shared run state")
	}
	if _, ok := s.Task("missing"); ok {
		t.Fatal("unknown task should not be found")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	if h, m, err := parseHHMM("07:45"); err != nil || h != 7 || m != 45 {
		t.Fatalf("parseHHMM = %d %d %v", h, m, err)
	}
	for _, bad := range []string{"24:00", "7", "aa:bb", "12:60"} {
		if _, _, err := parseHHMM(bad); err == nil || !strings.Contains(err.Error(), "invalid") {
			t.Fatalf("parseHHMM(%q) err = %v", bad, err)
		}
	}
}
