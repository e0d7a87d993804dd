// Package booking holds the scheduled-ride domain types and the direct
// booking operations (create, assign, cancel).
package booking

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusAssigned  Status = "assigned"
	// StatusPromoted means the scheduling job is done: a live ride exists.
	StatusPromoted Status = "promoted"
	// StatusCompleted means the ride itself finished. This core never writes it.
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// PromotableStatuses are the statuses the lifecycle tasks select.
var PromotableStatuses = []Status{StatusPending, StatusAssigned}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusAssigned, StatusPromoted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Promotable() bool { return slices.Contains(PromotableStatuses, s) }

// Terminal statuses are immutable for this core.
func (s Status) Terminal() bool {
	return s == StatusPromoted || s == StatusCompleted || s == StatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Place struct {
	Address string `json:"address"`
	Point   Point  `json:"point"`
}

type Booking struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id,omitempty"`
	DriverID         string    `json:"driver_id,omitempty"`
	Pickup           Place     `json:"pickup"`
	Destination      Place     `json:"destination"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	EstimatedCost    float64   `json:"estimated_cost"`
	Status           Status    `json:"status"`
	Priority         Priority  `json:"priority"`
	RecurrenceID     string    `json:"recurrence_id,omitempty"`
	RideID           string    `json:"ride_id,omitempty"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (b Booking) HasDriver() bool { return b.DriverID != "" }

// Due is a selected booking together with the assigned driver's contact.
type Due struct {
	Booking
	DriverName  string `json:"driver_name"`
	DriverPhone string `json:"driver_phone"`
}

type RecurrenceType string

const (
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

func (t RecurrenceType) Valid() bool {
	return t == RecurrenceDaily || t == RecurrenceWeekly || t == RecurrenceMonthly
}

// RecurrencePattern is created once and never modified or deleted here.
// StartDate and EndDate are calendar dates; only their Y/M/D matter.
type RecurrencePattern struct {
	ID        string         `json:"id"`
	Type      RecurrenceType `json:"type"`
	StartDate time.Time      `json:"start_date"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CalendarDay keeps t's own Y/M/D and drops the rest. Dates are compared as
// UTC midnights so no zone offset can shift them.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type RideStatus string

const RideInProgress RideStatus = "in_progress"

type LiveRide struct {
	ID              string     `json:"id"`
	BookingID       string     `json:"booking_id"`
	DriverID        string     `json:"driver_id,omitempty"`
	ClientID        string     `json:"client_id,omitempty"`
	Status          RideStatus `json:"status"`
	Price           float64    `json:"price"`
	DurationMinutes int        `json:"duration_minutes"`
	TrackingCode    string     `json:"tracking_code"`
	Pickup          Place      `json:"pickup"`
	Destination     Place      `json:"destination"`
	StartedAt       time.Time  `json:"started_at"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverEnRoute   DriverStatus = "en_route"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

type Driver struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Phone  string       `json:"phone"`
	Status DriverStatus `json:"status"`
}
