package booking

import (
	"context"
	"math"
)

// FareEstimator prices a ride from its pickup point and expected duration.
type FareEstimator interface {
	Estimate(ctx context.Context, origin Point, minutes int) (float64, error)
}

// LinearFare charges Base plus PerMinute for every minute, rounded to cents.
type LinearFare struct {
	Base      float64
	PerMinute float64
}

func (f LinearFare) Estimate(_ context.Context, _ Point, minutes int) (float64, error) {
	if minutes < 0 {
		return 0, invalid("estimated_minutes", "must be >= 0")
	}
	v := f.Base + f.PerMinute*float64(minutes)
	return math.Round(v*100) / 100, nil
}
