package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/notifier"
	"dispatchd/internal/timewindow"
)

func greeting(name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return "Hi " + n
	}
	return "Hi"
}

// ReminderMessage is sent the evening before a ride. Its key includes the
// local ride date so a rescheduled booking is reminded again.
func ReminderMessage(d booking.Due, loc *time.Location) notifier.Message {
	at := d.ScheduledAt.In(loc)
	day, clock := at.Format("Mon Jan 2"), at.Format("15:04")
	plain := fmt.Sprintf("%s, reminder: you have a ride tomorrow (%s) at %s. Pickup: %s. Destination: %s.",
		greeting(d.DriverName), day, clock, d.Pickup.Address, d.Destination.Address)
	rich := fmt.Sprintf("%s, reminder: you have a ride *tomorrow* (%s) at *%s*.\n*Pickup:* %s\n*Destination:* %s",
		greeting(d.DriverName), day, clock, d.Pickup.Address, d.Destination.Address)
	return notifier.Message{
		To:    d.DriverPhone,
		Kind:  notifier.KindReminder,
		Key:   "reminder:" + d.ID + ":" + at.Format(time.DateOnly),
		Rich:  rich,
		Plain: plain,
	}
}

// AlertMessage warns that a ride starts soon. The key carries the driver and
// the local start time so a reassigned or rescheduled ride is alerted again.
func AlertMessage(d booking.Due, left timewindow.Remaining, loc *time.Location) notifier.Message {
	at := d.ScheduledAt.In(loc)
	clock := at.Format("15:04")
	in := formatRemaining(left)
	plain := fmt.Sprintf("%s, your ride at %s starts %s. Pickup: %s.", greeting(d.DriverName), clock, in, d.Pickup.Address)
	rich := fmt.Sprintf("%s, your ride at *%s* starts *%s*.\n*Pickup:* %s", greeting(d.DriverName), clock, in, d.Pickup.Address)
	return notifier.Message{
		To:    d.DriverPhone,
		Kind:  notifier.KindAlert,
		Key:   "alert:" + d.ID + ":" + d.DriverID + ":" + at.Format("2006-01-02T15:04"),
		Rich:  rich,
		Plain: plain,
	}
}

func formatRemaining(r timewindow.Remaining) string {
	if r.Past || r.Total < time.Minute {
		return "now"
	}
	if r.Hours > 0 {
		return fmt.Sprintf("in %dh %02dm", r.Hours, r.Minutes)
	}
	return fmt.Sprintf("in %d min", r.Minutes)
}
