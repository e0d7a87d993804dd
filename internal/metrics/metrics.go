// Package metrics exposes prometheus collectors fed from the event bus, so
// producers never import prometheus.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/lifecycle"
	"dispatchd/internal/notifier"
	"dispatchd/internal/promotion"
	"dispatchd/internal/task/engine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	tickBookings  *prometheus.CounterVec
	tickDuration  *prometheus.HistogramVec
	tickErrors    *prometheus.CounterVec
	lastFound     *prometheus.GaugeVec
	promotions    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		tickBookings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_tick_bookings_total",
			Help: "Bookings handled by lifecycle ticks, by task and outcome",
		}, []string{"task", "outcome"}),
		tickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatchd_tick_duration_seconds",
			Help:    "Wall time of lifecycle ticks",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"task"}),
		tickErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_tick_errors_total",
			Help: "Ticks that failed to list due bookings",
		}, []string{"task"}),
		lastFound: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatchd_tick_last_found",
			Help: "Due bookings found by the most recent tick",
		}, []string{"task"}),
		promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_promotions_total",
			Help: "Promotion attempts by result",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_notifications_total",
			Help: "Notification outcomes by kind, channel and result",
		}, []string{"kind", "channel", "result"}),
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_task_runs_total",
			Help: "Task engine runs by task and state",
		}, []string{"task", "state"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe records one event. Unknown types are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case lifecycle.TickReport:
		c.tickBookings.WithLabelValues(data.Task, "succeeded").Add(float64(data.Succeeded))
		c.tickBookings.WithLabelValues(data.Task, "skipped").Add(float64(data.Skipped))
		c.tickBookings.WithLabelValues(data.Task, "failed").Add(float64(data.Failed))
		c.tickDuration.WithLabelValues(data.Task).Observe(data.Took.Seconds())
		c.lastFound.WithLabelValues(data.Task).Set(float64(data.Found))
		if data.Error != "" {
			c.tickErrors.WithLabelValues(data.Task).Inc()
		}
	case promotion.Outcome:
		switch ev.Type {
		case "booking.promoted":
			c.promotions.WithLabelValues("promoted").Inc()
		case "booking.promotion_skipped":
			c.promotions.WithLabelValues("skipped").Inc()
		case "booking.promotion_failed":
			c.promotions.WithLabelValues("failed").Inc()
		}
	case notifier.NotificationEvent:
		result := strings.TrimPrefix(ev.Type, "notifier.")
		c.notifications.WithLabelValues(string(data.Kind), data.Channel, result).Inc()
	case engine.TaskEvent:
		state := strings.TrimPrefix(ev.Type, "task.")
		c.taskRuns.WithLabelValues(data.Name, state).Inc()
	}
}
