package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/lifecycle"
	"dispatchd/internal/notifier"
	"dispatchd/internal/storage"

	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeTasks struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTasks) Status() []lifecycle.TaskStatus {
	return []lifecycle.TaskStatus{{Name: lifecycle.TaskPromotion, Enabled: true, Spec: "* * * * *"}}
}

func (f *fakeTasks) Trigger(_ context.Context, name string) (lifecycle.TickReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if name == "nope" {
		return lifecycle.TickReport{}, fmt.Errorf("%w: %q", lifecycle.ErrUnknownTask, name)
	}
	return lifecycle.TickReport{Task: name, Found: 2, Succeeded: 1, Failed: 1}, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	audit   []storage.AuditEntry
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	f.audit = append(f.audit, e)
	f.mu.Unlock()
	return nil
}

type fakeStats struct{}

func (fakeStats) Stats() notifier.Stats { return notifier.Stats{Enabled: true, Sent: 4} }

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		store Store
		code  int
	}{
		{"no store", nil, http.StatusOK},
		{"ok", &fakeStore{}, http.StatusOK},
		{"down", &fakeStore{pingErr: errors.New("db gone")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRouter(Deps{Store: tt.store}, Options{Token: "s3cret"})
			rec := do(t, r, http.MethodGet, "/healthz", "")
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Fatalf("missing request id header")
			}
		})
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	r := NewRouter(Deps{Tasks: &fakeTasks{}}, Options{Token: "s3cret"})

	if rec := do(t, r, http.MethodGet, "/admin/tasks", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/admin/tasks", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: code = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/admin/tasks?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: code = %d", rec.Code)
	}
}

func TestTasksStatus(t *testing.T) {
	t.Parallel()
	r := NewRouter(Deps{Tasks: &fakeTasks{}, Notifier: fakeStats{}}, Options{})
	rec := do(t, r, http.MethodGet, "/admin/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Tasks    []lifecycle.TaskStatus `json:"tasks"`
		Notifier notifier.Stats         `json:"notifier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].Name != lifecycle.TaskPromotion {
		t.Fatalf("tasks = %+v", body.Tasks)
	}
	if body.Notifier.Sent != 4 {
		t.Fatalf("notifier = %+v", body.Notifier)
	}
}

func TestRunTaskAudits(t *testing.T) {
	t.Parallel()
	tasks, store := &fakeTasks{}, &fakeStore{}
	r := NewRouter(Deps{Tasks: tasks, Store: store}, Options{Token: "s3cret"})

	rec := do(t, r, http.MethodPost, "/admin/tasks/promotion-tick/run", "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Report lifecycle.TickReport `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Report.Task != "promotion-tick" || body.Report.Found != 2 {
		t.Fatalf("report = %+v", body.Report)
	}
	if len(store.audit) != 1 {
		t.Fatalf("audit entries = %d", len(store.audit))
	}
	a := store.audit[0]
	if a.Action != "task.run" || a.Target != "promotion-tick" || a.OK != 1 || a.Fail != 1 || a.Error != "" {
		t.Fatalf("audit = %+v", a)
	}
	if !strings.HasPrefix(a.Actor, "admin:") {
		t.Fatalf("actor = %q", a.Actor)
	}
}

func TestRunTaskErrors(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	r := NewRouter(Deps{Tasks: &fakeTasks{err: errors.New("list due: boom")}, Store: store}, Options{})

	if rec := do(t, r, http.MethodPost, "/admin/tasks/nope/run", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown: code = %d", rec.Code)
	}
	if len(store.audit) != 0 {
		t.Fatalf("unknown task must not be audited")
	}

	rec := do(t, r, http.MethodPost, "/admin/tasks/upcoming-alert/run", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed run: code = %d", rec.Code)
	}
	if len(store.audit) != 1 || store.audit[0].Error == "" {
		t.Fatalf("audit = %+v", store.audit)
	}
}

func TestMetricsAndPprofMounts(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dispatchd_up 1\n"))
	})
	r := NewRouter(Deps{Metrics: metrics}, Options{Token: "s3cret", Pprof: true})

	rec := do(t, r, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dispatchd_up") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, r, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without token: code = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/debug/pprof/", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: code = %d", rec.Code)
	}

	bare := NewRouter(Deps{}, Options{})
	if rec := do(t, bare, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:0", true},
		{"localhost:8089", true},
		{"[::1]:8089", true},
		{"0.0.0.0:8089", false},
		{"10.0.0.2:8089", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestServerServesAndStops(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var addr string
	for i := 0; i < 200 && addr == ""; i++ {
		addr = s.Addr()
		if addr == "" {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if addr == "" {
		t.Fatalf("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}
	s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatalf("addr still set after stop")
	}
}
