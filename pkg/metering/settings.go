package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aquacost/aquacost/pkg/log"
)

// Settings resolves node settings such as timezone and currency, loading each
// once and falling back to safe defaults when the upstream has no value.
type Settings struct {
	client Client

	mu       sync.Mutex
	location *time.Location
	currency string
}

// NewSettings returns a settings resolver backed by the given client.
func NewSettings(client Client) *Settings {
	return &Settings{client: client}
}

// Location returns the node's timezone, defaulting to UTC if the setting is
// missing or invalid.
func (s *Settings) Location(ctx context.Context) *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.location != nil {
		return s.location
	}
	name, err := s.client.Setting(ctx, "TimeZoneIANA")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch timezone setting", slog.Any("error", err))
		// don't cache, the next call may succeed
		return time.UTC
	}
	loc := time.UTC
	if name != "" {
		if parsed, err := time.LoadLocation(name); err == nil {
			loc = parsed
		} else {
			log.Ctx(ctx).WarnContext(ctx, "invalid timezone setting", slog.String("timezone", name))
		}
	}
	s.location = loc
	return loc
}

// Currency returns the node's billing currency, defaulting to NOK.
func (s *Settings) Currency(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currency != "" {
		return s.currency
	}
	cur, err := s.client.Setting(ctx, "Currency")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch currency setting", slog.Any("error", err))
		return "NOK"
	}
	if cur == "" {
		cur = "NOK"
	}
	s.currency = cur
	return cur
}
