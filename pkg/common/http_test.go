package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := HTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	t.Run("SetsDefaultUserAgent", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, UserAgent(), gotAgent)
		assert.Equal(t, "Aquacost/"+Version(), gotAgent)
	})

	t.Run("KeepsExplicitUserAgent", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		req.Header.Set("User-Agent", "custom/1.0")
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "custom/1.0", gotAgent)
	})
}
