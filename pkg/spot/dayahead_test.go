package spot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aquacost/aquacost/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDayAhead(ts *httptest.Server) *DayAhead {
	return &DayAhead{
		baseURL: ts.URL,
		area:    "NO1",
		client:  ts.Client(),
		prices:  cache.New("spot_test", 24*time.Hour, nil),
	}
}

func TestDayAhead(t *testing.T) {
	t.Run("AveragePrice", func(t *testing.T) {
		requests := 0
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			assert.Equal(t, "/2026/08-15_NO1.json", r.URL.Path)
			_, _ = w.Write([]byte(`[
				{"NOK_per_kWh":0.5,"time_start":"2026-08-15T00:00:00+02:00","time_end":"2026-08-15T01:00:00+02:00"},
				{"NOK_per_kWh":1.0,"time_start":"2026-08-15T01:00:00+02:00","time_end":"2026-08-15T02:00:00+02:00"},
				{"NOK_per_kWh":1.5,"time_start":"2026-08-15T02:00:00+02:00","time_end":"2026-08-15T03:00:00+02:00"}
			]`))
		}))
		defer ts.Close()

		d := newTestDayAhead(ts)
		date := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
		avg, err := d.AveragePrice(context.Background(), date)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, avg, 0.0001)

		// published day is cached
		_, err = d.AveragePrice(context.Background(), date)
		require.NoError(t, err)
		assert.Equal(t, 1, requests)
	})

	t.Run("FallsBackToPreviousDay", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/2026/08-16_NO1.json" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			assert.Equal(t, "/2026/08-15_NO1.json", r.URL.Path)
			_, _ = w.Write([]byte(`[{"NOK_per_kWh":0.8,"time_start":"2026-08-15T00:00:00+02:00","time_end":"2026-08-15T01:00:00+02:00"}]`))
		}))
		defer ts.Close()

		d := newTestDayAhead(ts)
		avg, err := d.AveragePrice(context.Background(), time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.InDelta(t, 0.8, avg, 0.0001)
	})

	t.Run("CurrentPrice", func(t *testing.T) {
		now := time.Now()
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := now.Truncate(time.Hour)
			_, _ = w.Write([]byte(fmt.Sprintf(`[{"NOK_per_kWh":0.42,"time_start":%q,"time_end":%q}]`,
				start.Format(time.RFC3339), start.Add(time.Hour).Format(time.RFC3339))))
		}))
		defer ts.Close()

		d := newTestDayAhead(ts)
		price, err := d.CurrentPrice(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 0.42, price, 0.0001)
	})

	t.Run("ErrorWhenBothDaysMissing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		d := newTestDayAhead(ts)
		_, err := d.AveragePrice(context.Background(), time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC))
		require.Error(t, err)
	})
}
