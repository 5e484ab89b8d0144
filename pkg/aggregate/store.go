package aggregate

import (
	"fmt"
	"sync"
	"time"

	"github.com/aquacost/aquacost/pkg/types"
)

// Store holds the daily series an ingester has already pulled so the
// calculators can answer from memory instead of re-fetching. One instance is
// shared by reference between the ingestion side and every calculator.
type Store struct {
	mu     sync.Mutex
	series map[string][]types.DailyValue
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{series: map[string][]types.DailyValue{}}
}

func consumptionKey(code types.UtilityCode, mp int) string {
	if mp != 0 {
		return fmt.Sprintf("%s_%d_con", code, mp)
	}
	return fmt.Sprintf("%s_all_con", code)
}

func meteredPriceKey(code types.UtilityCode, mp int) string {
	if mp != 0 {
		return fmt.Sprintf("%s_%d_metered_price", code, mp)
	}
	return fmt.Sprintf("%s_all_metered_price", code)
}

func (s *Store) set(key string, values []types.DailyValue) {
	cp := make([]types.DailyValue, len(values))
	copy(cp, values)
	s.mu.Lock()
	s.series[key] = cp
	s.mu.Unlock()
}

func (s *Store) get(key string) ([]types.DailyValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.series[key]
	if !ok {
		return nil, false
	}
	cp := make([]types.DailyValue, len(v))
	copy(cp, v)
	return cp, true
}

// SetConsumption stores a daily consumption series. mp of 0 means all meters.
func (s *Store) SetConsumption(code types.UtilityCode, mp int, values []types.DailyValue) {
	s.set(consumptionKey(code, mp), values)
}

// Consumption returns a stored daily consumption series.
func (s *Store) Consumption(code types.UtilityCode, mp int) ([]types.DailyValue, bool) {
	return s.get(consumptionKey(code, mp))
}

// SetMeteredPrice stores a daily metered price series.
func (s *Store) SetMeteredPrice(code types.UtilityCode, mp int, values []types.DailyValue) {
	s.set(meteredPriceKey(code, mp), values)
}

// MeteredPrice returns a stored daily metered price series.
func (s *Store) MeteredPrice(code types.UtilityCode, mp int) ([]types.DailyValue, bool) {
	return s.get(meteredPriceKey(code, mp))
}

// Clear drops every stored series.
func (s *Store) Clear() {
	s.mu.Lock()
	s.series = map[string][]types.DailyValue{}
	s.mu.Unlock()
}

// sumWindow sums the non-null values falling inside [from, to) and reports
// how many distinct days carried data plus the unit and the newest data time.
func sumWindow(values []types.DailyValue, from, to time.Time) (sum float64, days int, unit string, latest time.Time) {
	seen := map[string]bool{}
	for _, v := range values {
		if v.Value == nil || v.Time.Before(from) || !v.Time.Before(to) {
			continue
		}
		sum += *v.Value
		day := v.Time.Format("2006-01-02")
		if !seen[day] {
			seen[day] = true
			days++
		}
		if v.Unit != "" {
			unit = v.Unit
		}
		if v.Time.After(latest) {
			latest = v.Time
		}
	}
	return sum, days, unit, latest
}

// allZero reports whether every non-null value in the window is exactly zero.
// Vacuously false when there are no values.
func allZero(values []types.DailyValue, from, to time.Time) bool {
	var any bool
	for _, v := range values {
		if v.Value == nil || v.Time.Before(from) || !v.Time.Before(to) {
			continue
		}
		if *v.Value != 0 {
			return false
		}
		any = true
	}
	return any
}
