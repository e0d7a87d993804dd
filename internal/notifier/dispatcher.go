package notifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

const defaultSendTimeout = 10 * time.Second

// Dispatcher sends a message through the first channel that accepts it.
// It is safe for concurrent use; SetChannels swaps the list atomically.
type Dispatcher struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.RWMutex
	channels []Channel
	timeout  time.Duration
}

func NewDispatcher(channels []Channel, timeout time.Duration, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, bus: bus}
	d.SetChannels(channels)
	d.SetTimeout(timeout)
	return d
}

func (d *Dispatcher) SetChannels(channels []Channel) {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c.Sender != nil {
			out = append(out, c)
		}
	}
	d.mu.Lock()
	d.channels = out
	d.mu.Unlock()
}

func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

// Channels returns the configured channel names in attempt order.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.channels))
	for i, c := range d.channels {
		out[i] = c.Name
	}
	return out
}

// Send tries each channel in order and reports whether one succeeded.
// It never returns an error and never panics.
func (d *Dispatcher) Send(ctx context.Context, m Message) bool {
	d.mu.RLock()
	channels := d.channels
	timeout := d.timeout
	d.mu.RUnlock()

	to, err := NormalizePhone(m.To)
	if err != nil {
		d.log.Warn("notification not sent", logx.String("to", m.To), logx.String("kind", string(m.Kind)), logx.Err(err))
		d.emit("notifier.failed", "", m, err)
		return false
	}
	if len(channels) == 0 {
		d.log.Warn("notification not sent: no channels configured", logx.String("to", maskPhone(to)), logx.String("kind", string(m.Kind)))
		d.emit("notifier.failed", "", m, errNoChannels)
		return false
	}

	var lastErr error
	for _, ch := range channels {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		start := time.Now()
		err := d.attempt(ctx, ch, to, ch.text(m), timeout)
		if err == nil {
			d.log.Debug("notification sent",
				logx.String("channel", ch.Name),
				logx.String("to", maskPhone(to)),
				logx.String("kind", string(m.Kind)),
				logx.Duration("took", time.Since(start)),
			)
			d.emit("notifier.sent", ch.Name, m, nil)
			return true
		}
		lastErr = err
		d.log.Warn("notification channel failed",
			logx.String("channel", ch.Name),
			logx.String("to", maskPhone(to)),
			logx.String("kind", string(m.Kind)),
			logx.Err(err),
		)
	}
	d.emit("notifier.failed", "", m, lastErr)
	return false
}

var errNoChannels = errors.New("no channels configured")

func (d *Dispatcher) attempt(ctx context.Context, ch Channel, to, text string, timeout time.Duration) (err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification channel panic",
				logx.String("channel", ch.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("%s: panic: %v", ch.Name, r)
		}
	}()
	return ch.Sender.SendText(cctx, to, text)
}

func (d *Dispatcher) emit(typ, channel string, m Message, err error) {
	ev := NotificationEvent{Channel: channel, To: maskPhone(m.To), Kind: m.Kind, Key: m.Key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(d.bus, typ, ev)
}
