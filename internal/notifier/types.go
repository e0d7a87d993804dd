package notifier

import (
	"context"
	"time"

	"dispatchd/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type Kind string

const (
	KindReminder   Kind = "reminder"
	KindAlert      Kind = "alert"
	KindActivation Kind = "activation"
)

// Message is one notification with both renderings.
type Message struct {
	To   string
	Kind Kind
	// Key identifies the message for dedup ("" disables dedup).
	Key   string
	Rich  string
	Plain string
}

// Channel is one delivery route. Rich selects which rendering it receives.
type Channel struct {
	Name   string
	Rich   bool
	Sender transport.TextSender
}

func (c Channel) text(m Message) string {
	if c.Rich && m.Rich != "" {
		return m.Rich
	}
	if m.Plain != "" {
		return m.Plain
	}
	return m.Rich
}

// DedupStore persists suppress-until marks across restarts.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Channel string    `json:"channel,omitempty"`
	To      string    `json:"to"`
	Kind    Kind      `json:"kind"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

type Stats struct {
	Enabled  bool   `json:"enabled"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Deduped  uint64 `json:"deduped"`
	Dropped  uint64 `json:"dropped"`
}
