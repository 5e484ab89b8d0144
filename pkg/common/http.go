// Package common holds small helpers shared by the HTTP-facing packages.
package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the build version baked into the binary.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is what outbound requests identify themselves as.
func UserAgent() string {
	return "Aquacost/" + Version()
}

type userAgentTransport struct {
	transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the request may be shared, clone before touching headers
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent())
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client that tags outbound requests with the
// package user-agent.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
		},
		Timeout: timeout,
	}
}
