package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aquacost/aquacost/pkg/cache"
	"github.com/aquacost/aquacost/pkg/common"
	"github.com/aquacost/aquacost/pkg/log"

	"github.com/levenlabs/go-lflag"
)

// DayAhead fetches day-ahead prices from the hvakosterstrommen.no public API.
// Daily averages are cached since a published day never changes.
type DayAhead struct {
	baseURL string
	area    string
	client  *http.Client
	prices  *cache.Cache
}

// Configured sets up flags for the day-ahead price source and returns the
// instance.
func Configured() *DayAhead {
	d := &DayAhead{
		client: common.HTTPClient(15 * time.Second),
		prices: cache.New("spot_prices", 24*time.Hour, nil),
	}
	baseURL := lflag.String("spot-api-url", "https://www.hvakosterstrommen.no/api/v1/prices", "Base URL for the day-ahead price API")
	area := lflag.String("spot-price-area", "NO1", "Bidding area for spot prices")

	lflag.Do(func() {
		d.baseURL = strings.TrimRight(*baseURL, "/")
		d.area = *area
	})
	return d
}

// NewDayAhead returns a source with explicit configuration, bypassing flags.
func NewDayAhead(baseURL, area string) *DayAhead {
	return &DayAhead{
		baseURL: strings.TrimRight(baseURL, "/"),
		area:    area,
		client:  common.HTTPClient(15 * time.Second),
		prices:  cache.New("spot_prices", 24*time.Hour, nil),
	}
}

var _ Source = (*DayAhead)(nil)

type hourlyPrice struct {
	PerKWH    float64   `json:"NOK_per_kWh"`
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`
}

// fetchDay returns the hourly prices for one calendar day.
func (d *DayAhead) fetchDay(ctx context.Context, date time.Time) ([]hourlyPrice, error) {
	key := date.Format("2006-01-02")
	v, err := d.prices.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		u := fmt.Sprintf("%s/%d/%02d-%02d_%s.json", d.baseURL, date.Year(), date.Month(), date.Day(), d.area)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("network error fetching spot prices: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("spot price api returned status %d: %s", resp.StatusCode, body)
		}
		var hours []hourlyPrice
		if err := json.NewDecoder(resp.Body).Decode(&hours); err != nil {
			return nil, fmt.Errorf("failed to decode spot prices: %w", err)
		}
		if len(hours) == 0 {
			return nil, fmt.Errorf("spot price api returned no prices for %s", key)
		}
		return hours, nil
	}, true)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("no spot prices available for %s", key)
	}
	return v.([]hourlyPrice), nil
}

// AveragePrice implements Source. If the requested day has no published
// prices yet it falls back to the previous day.
func (d *DayAhead) AveragePrice(ctx context.Context, date time.Time) (float64, error) {
	hours, err := d.fetchDay(ctx, date)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "falling back to previous day's spot prices",
			slog.Time("date", date), slog.Any("error", err))
		hours, err = d.fetchDay(ctx, date.AddDate(0, 0, -1))
		if err != nil {
			return 0, err
		}
	}
	var sum float64
	for _, h := range hours {
		sum += h.PerKWH
	}
	return sum / float64(len(hours)), nil
}

// CurrentPrice implements Source.
func (d *DayAhead) CurrentPrice(ctx context.Context) (float64, error) {
	now := time.Now()
	hours, err := d.fetchDay(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, h := range hours {
		if !now.Before(h.TimeStart) && now.Before(h.TimeEnd) {
			return h.PerKWH, nil
		}
	}
	return 0, fmt.Errorf("no spot price covering %s", now.Format(time.RFC3339))
}
