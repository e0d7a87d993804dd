package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/config"
	"dispatchd/internal/lifecycle"
)

func boolPtr(b bool) *bool { return &b }

func TestMapLifecycleConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Lifecycle.Alert = config.TaskConfig{Lookahead: "45m", MarginMinutes: 5}
	cfg.Lifecycle.Reminder = config.TaskConfig{Enabled: boolPtr(false), Schedule: "30 21 * * *"}

	lc, err := mapLifecycleConfig(cfg)
	if err != nil {
		t.Fatalf("mapLifecycleConfig: %v", err)
	}
	tests := []struct {
		name      string
		got       lifecycle.TaskSettings
		enabled   bool
		schedule  string
		margin    float64
		lookahead time.Duration
	}{
		{"reminder", lc.Reminder, false, "30 21 * * *", 0, 0},
		{"promotion", lc.Promotion, true, config.DefaultPromotionSchedule, config.DefaultPromotionMargin, 0},
		{"alert", lc.Alert, true, config.DefaultAlertSchedule, 5, 45 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.got.Enabled != tt.enabled || tt.got.Schedule != tt.schedule || tt.got.MarginMinutes != tt.margin || tt.got.Lookahead != tt.lookahead {
				t.Fatalf("settings = %+v", tt.got)
			}
		})
	}

	cfg.Lifecycle.Alert.Lookahead = "soon"
	if _, err := mapLifecycleConfig(cfg); err == nil {
		t.Fatal("expected lookahead parse error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{"default sqlite", config.StorageConfig{}, "sqlite", false},
		{"postgres", config.StorageConfig{Driver: "postgres", DSN: "postgres://localhost/db"}, "postgres", false},
		{"postgres without dsn", config.StorageConfig{Driver: "pgx"}, "", true},
		{"bad busy timeout", config.StorageConfig{Driver: "sqlite", BusyTimeout: "x"}, "", true},
		{"unknown", config.StorageConfig{Driver: "mysql"}, "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && sc.Driver != tt.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tt.driver)
			}
		})
	}
}

func TestBuildChannelsOrder(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Notifier: &config.NotifierConfig{
		Chat:  config.ChatChannel{Enabled: true, BaseURL: "http://chat", Token: "t", PhoneNumberID: "1"},
		Extra: []config.ChatChannel{{Enabled: true, Name: "backup", BaseURL: "http://chat2", Token: "t", PhoneNumberID: "2"}, {Enabled: false}},
		SMS:   config.SMSChannel{Enabled: true, BaseURL: "http://sms", AccountSID: "AC1", AuthToken: "x", From: "+15550000000"},
	}}
	chs, err := buildChannels(cfg, nil)
	if err != nil {
		t.Fatalf("buildChannels: %v", err)
	}
	var names []string
	for _, c := range chs {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "chat,backup,sms" {
		t.Fatalf("order = %s", got)
	}
	if !chs[0].Rich || chs[2].Rich {
		t.Fatalf("rich flags = %v %v", chs[0].Rich, chs[2].Rich)
	}

	cfg.Notifier.SMS.From = ""
	if _, err := buildChannels(cfg, nil); err == nil {
		t.Fatal("expected sms config error")
	}
}

type smsRecorder struct {
	mu  sync.Mutex
	to  []string
	srv *httptest.Server
}

func newSMSRecorder(t *testing.T) *smsRecorder {
	r := &smsRecorder{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = req.ParseForm()
		r.mu.Lock()
		r.to = append(r.to, req.PostForm.Get("To"))
		r.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *smsRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.to...)
}

func writeConfig(t *testing.T, cfg config.Config) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testConfig(t *testing.T, smsURL string) config.Config {
	var cfg config.Config
	cfg.Logging.Level = "error"
	cfg.Scheduler.Timezone = "UTC"
	cfg.Storage = config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dispatchd.db")}
	cfg.Fare = config.FareConfig{Base: 3, PerMinute: 0.5}
	cfg.Notifier = &config.NotifierConfig{
		Enabled: true,
		Workers: 1,
		SMS:     config.SMSChannel{Enabled: true, BaseURL: smsURL, AccountSID: "AC1", AuthToken: "secret", From: "+15550000000"},
	}
	return cfg
}

func TestRunTaskPromotesBooking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newSMSRecorder(t)

	a, err := New(ctx, writeConfig(t, testConfig(t, rec.srv.URL)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(context.Background(), StopCommandDone)

	drv := booking.Driver{ID: "drv-1", Name: "Ana", Phone: "+1 555 123 4567", Status: booking.DriverAvailable}
	if err := a.Store().UpsertDriver(ctx, drv); err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
	res, err := a.Bookings().Create(ctx, booking.CreateRequest{
		DriverID:           "drv-1",
		PickupAddress:      "1 Main St",
		Pickup:             "41.88,-87.63",
		DestinationAddress: "O'Hare",
		Destination:        "41.97,-87.90",
		ScheduledAt:        time.Now().Add(20 * time.Second),
		EstimatedMinutes:   30,
		CreatedBy:          "ops",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Booking.EstimatedCost != 18 {
		t.Fatalf("estimated cost = %v, want 18", res.Booking.EstimatedCost)
	}

	rep, err := a.RunTask(ctx, lifecycle.TaskPromotion)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if rep.Found != 1 || rep.Succeeded != 1 {
		t.Fatalf("report = %+v", rep)
	}

	b, err := a.Bookings().Get(ctx, res.Booking.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Status != booking.StatusPromoted || b.RideID == "" {
		t.Fatalf("booking = %+v", b)
	}
	ride, err := a.Store().GetRide(ctx, b.RideID)
	if err != nil {
		t.Fatalf("GetRide: %v", err)
	}
	if ride.Price != 18 || ride.Status != booking.RideInProgress {
		t.Fatalf("ride = %+v", ride)
	}
	if got := rec.sent(); len(got) != 1 || got[0] != "+15551234567" {
		t.Fatalf("sms sent to %v", got)
	}

	again, err := a.RunTask(ctx, lifecycle.TaskPromotion)
	if err != nil {
		t.Fatalf("second RunTask: %v", err)
	}
	if again.Found != 0 {
		t.Fatalf("promoted booking selected again: %+v", again)
	}
}

func TestApplyReloadsLifecycle(t *testing.T) {
	t.Parallel()
	rec := newSMSRecorder(t)
	cfg := testConfig(t, rec.srv.URL)
	a, err := New(context.Background(), writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(context.Background(), StopCommandDone)

	prev := a.Config()
	next := *prev
	next.Scheduler.Timezone = "America/Chicago"
	next.Lifecycle.Alert = config.TaskConfig{Enabled: boolPtr(false)}
	a.apply(context.Background(), prev, &next)

	for _, st := range a.Lifecycle().Status() {
		if st.Timezone != "America/Chicago" {
			t.Fatalf("%s timezone = %q", st.Name, st.Timezone)
		}
		if st.Name == lifecycle.TaskAlert && st.Enabled {
			t.Fatalf("alert still enabled after reload")
		}
	}
	if got := a.recur.Location().String(); got != "America/Chicago" {
		t.Fatalf("recurrence zone = %q after reload", got)
	}
	if got := a.Scheduler().Location().String(); got != "America/Chicago" {
		t.Fatalf("scheduler zone = %q after reload", got)
	}
}
