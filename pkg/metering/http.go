package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aquacost/aquacost/pkg/common"
	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/levenlabs/go-lflag"
)

const (
	// the upstream throttles aggressively, keep concurrency low and space
	// requests out
	maxConcurrentRequests = 3
	minRequestInterval    = 200 * time.Millisecond

	maxRetries = 3
	baseDelay  = time.Second

	// fallback token lifetime when the exp claim cannot be read
	defaultTokenLifetime = 12 * 24 * time.Hour
)

// HTTPClient implements Client against the metering integration API. It owns
// password-grant token acquisition, bounded request concurrency and retry
// with exponential backoff on throttling.
type HTTPClient struct {
	baseURL   string
	username  string
	password  string
	domain    string
	nodeID    int
	rawNodeID string
	client    *http.Client

	sem chan struct{}

	mu             sync.Mutex
	accessToken    string
	refreshToken   string
	tokenExpiresAt time.Time
	lastRequest    time.Time
}

// Configured sets up flags for the metering API client and returns the
// instance. It uses lflag to register command-line flags for configuration.
func Configured() *HTTPClient {
	c := &HTTPClient{
		client: common.HTTPClient(30 * time.Second),
		sem:    make(chan struct{}, maxConcurrentRequests),
	}
	baseURL := lflag.String("metering-api-url", "https://integration.ecoguard.se", "Base URL for the metering integration API")
	username := lflag.String("metering-username", "", "Username for the metering API")
	password := lflag.String("metering-password", "", "Password for the metering API")
	domain := lflag.String("metering-domain", "", "Domain code for the metering API")
	nodeID := lflag.String("metering-node-id", "", "Root node ID to query")

	lflag.Do(func() {
		c.baseURL = strings.TrimRight(*baseURL, "/")
		c.username = *username
		c.password = *password
		c.domain = *domain
		c.rawNodeID = *nodeID
	})
	return c
}

// NewHTTPClient returns a client with explicit configuration, bypassing
// flags. Used by tests and embedding callers.
func NewHTTPClient(baseURL, username, password, domain string, nodeID int) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		domain:   domain,
		nodeID:   nodeID,
		client:   common.HTTPClient(30 * time.Second),
		sem:      make(chan struct{}, maxConcurrentRequests),
	}
}

// Validate ensures the configuration is valid.
func (c *HTTPClient) Validate() error {
	if c.baseURL == "" {
		return fmt.Errorf("metering-api-url is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse metering url (%s): %w", c.baseURL, err)
	}
	if c.username == "" || c.password == "" {
		return fmt.Errorf("metering-username and metering-password are required")
	}
	if c.domain == "" {
		return fmt.Errorf("metering-domain is required")
	}
	if c.nodeID == 0 {
		if c.rawNodeID == "" {
			return fmt.Errorf("metering-node-id is required")
		}
		n, err := strconv.Atoi(c.rawNodeID)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid metering-node-id (%s)", c.rawNodeID)
		}
		c.nodeID = n
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// authenticate performs the password grant and stores the resulting tokens.
// Callers must hold c.mu.
func (c *HTTPClient) authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("domain", c.domain)
	form.Set("issue_refresh_token", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error during authentication: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid metering credentials (status 401)")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("authentication failed with status %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("authentication response missing token")
	}

	c.accessToken = tr.AccessToken
	c.refreshToken = tr.RefreshToken
	c.tokenExpiresAt = tokenExpiry(ctx, tr.AccessToken)
	return nil
}

// tokenExpiry reads the exp claim from the access token. The upstream issues
// JWTs but doesn't document a lifetime, so an unparseable token gets a
// conservative fallback.
func tokenExpiry(ctx context.Context, token string) time.Time {
	claims := jwt.MapClaims{}
	// the signature is the server's concern, we only want the exp claim
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "could not read token exp claim, using default lifetime")
	return time.Now().Add(defaultTokenLifetime)
}

// token returns a valid access token, authenticating or refreshing first if
// the current one expires within 5 minutes.
func (c *HTTPClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt.Add(-5*time.Minute)) {
		return c.accessToken, nil
	}
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// invalidateToken drops the cached token so the next request re-authenticates.
func (c *HTTPClient) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// waitTurn enforces the minimum spacing between requests.
func (c *HTTPClient) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	wait := minRequestInterval - time.Since(c.lastRequest)
	c.lastRequest = time.Now().Add(max(wait, 0))
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *HTTPClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.waitTurn(ctx); err != nil {
		return err
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			log.Ctx(ctx).WarnContext(ctx, "retrying metering request",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		token, err := c.token(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "*/*")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("network error: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			requests.WithLabelValues(endpointLabel(endpoint), "ok").Inc()
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			c.invalidateToken()
			lastErr = fmt.Errorf("metering api returned status 401")
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("metering api returned status %d", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			requests.WithLabelValues(endpointLabel(endpoint), "error").Inc()
			return fmt.Errorf("metering api returned status %d: %s", resp.StatusCode, body)
		}
	}
	requests.WithLabelValues(endpointLabel(endpoint), "error").Inc()
	return fmt.Errorf("metering request failed after %d attempts: %w", maxRetries, lastErr)
}

// Data implements Client.
func (c *HTTPClient) Data(ctx context.Context, q DataQuery) ([]types.NodeData, error) {
	params := url.Values{}
	params.Set("from", strconv.FormatInt(q.From.Unix(), 10))
	params.Set("to", strconv.FormatInt(q.To.Unix(), 10))
	params.Set("interval", q.Interval)
	params.Set("grouping", q.Grouping)
	// measuringpointid and nodeID are mutually exclusive selection params
	if q.MeasuringPointID != 0 {
		params.Set("measuringpointid", strconv.Itoa(q.MeasuringPointID))
	} else {
		params.Set("nodeID", strconv.Itoa(c.nodeID))
		if q.IncludeSubNodes {
			params.Set("includeSubNodes", "true")
		}
	}
	for _, util := range q.Utilities {
		params.Add("utl", util)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetching data",
		slog.Any("utilities", q.Utilities),
		slog.Time("from", q.From),
		slog.Time("to", q.To),
		slog.Int("measuringPointID", q.MeasuringPointID))

	var data []types.NodeData
	if err := c.get(ctx, "/api/"+c.domain+"/data", params, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// BillingResults implements Client.
func (c *HTTPClient) BillingResults(ctx context.Context, startFrom, startTo int64) ([]types.BillingPeriod, error) {
	params := url.Values{}
	params.Set("nodeID", strconv.Itoa(c.nodeID))
	if startFrom != 0 {
		params.Set("startFrom", strconv.FormatInt(startFrom, 10))
	}
	if startTo != 0 {
		params.Set("startTo", strconv.FormatInt(startTo, 10))
	}

	var periods []types.BillingPeriod
	if err := c.get(ctx, "/api/"+c.domain+"/billingresults", params, &periods); err != nil {
		return nil, err
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched billing results", slog.Int("count", len(periods)))
	return periods, nil
}

// Installations implements Client.
func (c *HTTPClient) Installations(ctx context.Context) ([]types.Installation, error) {
	params := url.Values{}
	params.Set("nodeID", strconv.Itoa(c.nodeID))

	var installations []types.Installation
	if err := c.get(ctx, "/api/"+c.domain+"/installations", params, &installations); err != nil {
		return nil, err
	}
	return installations, nil
}

// LatestReception implements Client. The upstream spells these params in
// lowercase, unlike the other endpoints.
func (c *HTTPClient) LatestReception(ctx context.Context) ([]types.ReceptionStatus, error) {
	params := url.Values{}
	params.Set("nodeid", strconv.Itoa(c.nodeID))
	params.Set("includesubnodes", "true")

	var statuses []types.ReceptionStatus
	if err := c.get(ctx, "/api/"+c.domain+"/latestReception", params, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

type settingEntry struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// Setting implements Client. The upstream returns the full settings list;
// a missing setting is not an error.
func (c *HTTPClient) Setting(ctx context.Context, name string) (string, error) {
	var settings []settingEntry
	if err := c.get(ctx, "/api/"+c.domain+"/settings", nil, &settings); err != nil {
		return "", err
	}
	for _, s := range settings {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return "", nil
}

// endpointLabel strips the domain code out of an endpoint for metric labels.
func endpointLabel(endpoint string) string {
	if i := strings.LastIndex(endpoint, "/"); i >= 0 {
		return endpoint[i+1:]
	}
	return endpoint
}
