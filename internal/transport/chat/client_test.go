package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"dispatchd/internal/transport"
)

func TestSendTextPostsJSON(t *testing.T) {
	t.Parallel()
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/12345/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/v1/", Token: "secret", PhoneNumberID: "12345"}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SendText(context.Background(), "+15551234567", "*Ride* soon"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got.To != "15551234567" || got.Text.Body != "*Ride* soon" || got.Type != "text" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestSendTextNonSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Token: "t"}, srv.Client())
	err := c.SendText(context.Background(), "+1555", "hi")
	var se *transport.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests || !se.Retryable() || se.Body != "rate limited" {
		t.Fatalf("status error = %+v", se)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no url", cfg: Config{Token: "t"}},
		{name: "no token", cfg: Config{BaseURL: "http://x"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
