// Package transport holds the contract shared by the outbound messaging
// clients (chat, sms) and the error they report for non-success replies.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TextSender delivers one text message to a phone number in "+digits" form.
type TextSender interface {
	SendText(ctx context.Context, to, text string) error
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Channel string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Channel, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Channel, e.Code, e.Body)
}

// Retryable reports whether the provider signalled a transient failure.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

const maxErrorBody = 512

// CheckResponse turns a non-2xx response into a *StatusError carrying a
// trimmed prefix of the body. The body is always drained.
func CheckResponse(channel string, resp *http.Response) error {
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Channel: channel, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// DefaultHTTPClient is used when a client is built without one.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
