// Package spot provides day-ahead electricity spot prices used to model
// hot-water heating costs.
package spot

import (
	"context"
	"time"
)

// Source supplies electricity spot prices for a bidding area.
type Source interface {
	// AveragePrice returns the mean spot price for the given calendar day in
	// currency per kWh.
	AveragePrice(ctx context.Context, date time.Time) (float64, error)

	// CurrentPrice returns the spot price for the hour containing now.
	CurrentPrice(ctx context.Context) (float64, error)
}
