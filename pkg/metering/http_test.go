package metering

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aquacost/aquacost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(ts *httptest.Server) *HTTPClient {
	c := NewHTTPClient(ts.URL, "user", "pass", "acme", 3)
	c.client = ts.Client()
	return c
}

func TestHTTPClient(t *testing.T) {
	t.Run("Authentication", func(t *testing.T) {
		var tokenRequests int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/token":
				atomic.AddInt32(&tokenRequests, 1)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "password", r.PostForm.Get("grant_type"))
				assert.Equal(t, "user", r.PostForm.Get("username"))
				assert.Equal(t, "acme", r.PostForm.Get("domain"))
				assert.Equal(t, "true", r.PostForm.Get("issue_refresh_token"))
				_, _ = w.Write([]byte(`{"access_token":"tok-1","refresh_token":"ref-1"}`))
			case "/api/acme/installations":
				assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
				_, _ = w.Write([]byte(`[{"MeasuringPointID":7,"ExternalKey":"apt-1"}]`))
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer ts.Close()

		c := newTestClient(ts)
		installations, err := c.Installations(context.Background())
		require.NoError(t, err)
		require.Len(t, installations, 1)
		assert.Equal(t, 7, installations[0].MeasuringPointID)

		// second request reuses the token
		_, err = c.Installations(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests))
	})

	t.Run("DataQueryParams", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			assert.Equal(t, "/api/acme/data", r.URL.Path)
			q := r.URL.Query()
			assert.Equal(t, "d", q.Get("interval"))
			assert.Equal(t, "apartment", q.Get("grouping"))
			assert.Equal(t, []string{"CW[con]", "HW[con]"}, q["utl"])
			assert.Equal(t, "3", q.Get("nodeID"))
			assert.Equal(t, "true", q.Get("includeSubNodes"))
			assert.Empty(t, q.Get("measuringpointid"))
			_, _ = w.Write([]byte(`[{"ID":3,"Result":[{"Utl":"CW","Func":"con","Unit":"m3","Values":[{"Time":1754006400,"Value":1.5}]}]}]`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		data, err := c.Data(context.Background(), DataQuery{
			From:            time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			To:              time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
			Interval:        "d",
			Grouping:        "apartment",
			Utilities:       []string{"CW[con]", "HW[con]"},
			IncludeSubNodes: true,
		})
		require.NoError(t, err)
		require.Len(t, data, 1)
		require.Len(t, data[0].Result, 1)
		assert.Equal(t, types.UtilityColdWater, data[0].Result[0].Utility)
		require.Len(t, data[0].Result[0].Values, 1)
		require.NotNil(t, data[0].Result[0].Values[0].Value)
		assert.Equal(t, 1.5, *data[0].Result[0].Values[0].Value)
	})

	t.Run("MeasuringPointOverridesNode", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			q := r.URL.Query()
			assert.Equal(t, "9", q.Get("measuringpointid"))
			assert.Empty(t, q.Get("nodeID"))
			_, _ = w.Write([]byte(`[]`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		_, err := c.Data(context.Background(), DataQuery{
			Interval:         "d",
			Grouping:         "apartment",
			MeasuringPointID: 9,
		})
		require.NoError(t, err)
	})

	t.Run("ReauthenticatesOn401", func(t *testing.T) {
		var tokenRequests int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				n := atomic.AddInt32(&tokenRequests, 1)
				if n == 1 {
					_, _ = w.Write([]byte(`{"access_token":"stale"}`))
				} else {
					_, _ = w.Write([]byte(`{"access_token":"fresh"}`))
				}
				return
			}
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		_, err := c.Installations(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&tokenRequests))
	})

	t.Run("RetriesOnThrottle", func(t *testing.T) {
		var dataRequests int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			if atomic.AddInt32(&dataRequests, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		_, err := c.Installations(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&dataRequests))
	})

	t.Run("GivesUpAfterMaxRetries", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer ts.Close()

		c := newTestClient(ts)
		_, err := c.Installations(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("NonRetryableStatus", func(t *testing.T) {
		var dataRequests int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			atomic.AddInt32(&dataRequests, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer ts.Close()

		c := newTestClient(ts)
		_, err := c.Installations(context.Background())
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&dataRequests))
	})

	t.Run("Setting", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			assert.Equal(t, "/api/acme/settings", r.URL.Path)
			_, _ = w.Write([]byte(`[{"Name":"TimeZoneIANA","Value":"Europe/Oslo"},{"Name":"Currency","Value":"NOK"}]`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		tz, err := c.Setting(context.Background(), "TimeZoneIANA")
		require.NoError(t, err)
		assert.Equal(t, "Europe/Oslo", tz)

		missing, err := c.Setting(context.Background(), "NoSuchSetting")
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("LatestReception", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/token" {
				_, _ = w.Write([]byte(`{"access_token":"tok"}`))
				return
			}
			assert.Equal(t, "/api/acme/latestReception", r.URL.Path)
			q := r.URL.Query()
			assert.Equal(t, "3", q.Get("nodeid"))
			assert.Equal(t, "true", q.Get("includesubnodes"))
			_, _ = w.Write([]byte(`[{"PositionID":7,"LatestReception":1754006400}]`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		statuses, err := c.LatestReception(context.Background())
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, 7, statuses[0].PositionID)
		assert.Equal(t, int64(1754006400), statuses[0].LatestReception)
	})

	t.Run("TokenExpiryFallback", func(t *testing.T) {
		exp := tokenExpiry(context.Background(), "not-a-jwt")
		assert.WithinDuration(t, time.Now().Add(defaultTokenLifetime), exp, time.Minute)
	})
}

func TestUtilityParam(t *testing.T) {
	assert.Equal(t, "HW[con]", UtilityParam(types.UtilityHotWater, types.AggregateConsumption))
	assert.Equal(t, "CW[price]", UtilityParam(types.UtilityColdWater, types.AggregatePrice))
}
