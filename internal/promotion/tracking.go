package promotion

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/booking"
	"dispatchd/internal/notifier"
)

// No 0/O, 1/I/L.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewTrackingCode returns a code like "RD-7KQM-X3PA".
func NewTrackingCode() (string, error) {
	const n = 8
	buf := make([]byte, 0, n)
	// Rejection sampling keeps the distribution uniform.
	limit := byte(256 - 256%len(codeAlphabet))
	var raw [16]byte
	for len(buf) < n {
		if _, err := rand.Read(raw[:]); err != nil {
			return "", err
		}
		for _, r := range raw {
			if r >= limit {
				continue
			}
			buf = append(buf, codeAlphabet[int(r)%len(codeAlphabet)])
			if len(buf) == n {
				break
			}
		}
	}
	return "RD-" + string(buf[:4]) + "-" + string(buf[4:]), nil
}

// ActivationMessage tells the driver the ride is live.
func ActivationMessage(driverName, phone string, b booking.Booking, ride booking.LiveRide, loc *time.Location) notifier.Message {
	at := b.ScheduledAt.In(loc).Format("15:04")
	greet := "Hi"
	if n := strings.TrimSpace(driverName); n != "" {
		greet = "Hi " + n
	}
	plain := fmt.Sprintf("%s, your %s ride is now active. Pickup: %s. Destination: %s. Tracking code: %s.",
		greet, at, b.Pickup.Address, b.Destination.Address, ride.TrackingCode)
	rich := fmt.Sprintf("%s, your *%s* ride is now active.\n*Pickup:* %s\n*Destination:* %s\n*Tracking:* `%s`",
		greet, at, b.Pickup.Address, b.Destination.Address, ride.TrackingCode)
	return notifier.Message{
		To:    phone,
		Kind:  notifier.KindActivation,
		Key:   "activation:" + b.ID,
		Rich:  rich,
		Plain: plain,
	}
}
