// Package billing extracts per-unit rates, lump-sum fees and calibration data
// from historical billing statements.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aquacost/aquacost/pkg/cache"
	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/metering"
	"github.com/aquacost/aquacost/pkg/spot"
	"github.com/aquacost/aquacost/pkg/types"

	"github.com/levenlabs/go-lflag"
)

const (
	// EnergyPerM3 is the empirical heat energy needed to produce one cubic
	// meter of hot water, in kWh.
	EnergyPerM3 = 45.0

	// billing lags real time by 2-3 months, so rate lookups need a lookback
	rateLookback       = 120 * 24 * time.Hour
	otherItemsLookback = 180 * 24 * time.Hour

	billingTTL = 24 * time.Hour

	calibrationMonthsBack = 6
)

// AggregateResolver resolves monthly aggregates. Implemented by the aggregate
// service; injected late because the aggregate calculators also depend on
// this resolver.
type AggregateResolver interface {
	MonthlyAggregate(ctx context.Context, code types.UtilityCode, year int, month time.Month, at types.AggregateType, ct types.CostType) (*types.MonthlyAggregate, error)
}

// HWPriceEstimator models hot-water heating cost from spot prices.
type HWPriceEstimator interface {
	EstimateHWPrice(ctx context.Context, consumption float64, year int, month time.Month) (*types.MonthlyAggregate, error)
}

// Resolver answers rate and fee questions from cached billing results.
type Resolver struct {
	client     metering.Client
	spot       spot.Source
	settings   *metering.Settings
	billing    *cache.Cache
	otherNames []string

	agg AggregateResolver
	hw  HWPriceEstimator

	mu          sync.Mutex
	calibration *float64
}

// Configured sets up flags for the billing resolver and returns the instance.
func Configured(client metering.Client, spotSrc spot.Source, settings *metering.Settings, gate *cache.Gate) *Resolver {
	r := &Resolver{
		client:   client,
		spot:     spotSrc,
		settings: settings,
		billing:  cache.New("billing_results", billingTTL, gate),
	}
	names := lflag.String("other-items-names", "øvrig,other,andre,misc,generelle",
		"Comma-separated name substrings identifying the lump-sum fees billing part")

	lflag.Do(func() {
		for _, n := range strings.Split(*names, ",") {
			if n = strings.TrimSpace(n); n != "" {
				r.otherNames = append(r.otherNames, n)
			}
		}
	})
	return r
}

// NewResolver returns a resolver with explicit configuration, bypassing flags.
func NewResolver(client metering.Client, spotSrc spot.Source, settings *metering.Settings, otherNames []string) *Resolver {
	if otherNames == nil {
		otherNames = []string{"øvrig", "other", "andre", "misc", "generelle"}
	}
	return &Resolver{
		client:     client,
		spot:       spotSrc,
		settings:   settings,
		billing:    cache.New("billing_results", billingTTL, nil),
		otherNames: otherNames,
	}
}

// Bind injects the aggregate-side collaborators. Must be called before any
// price resolution that needs consumption or estimation.
func (r *Resolver) Bind(agg AggregateResolver, hw HWPriceEstimator) {
	r.agg = agg
	r.hw = hw
}

// ClearCache wipes the billing results cache.
func (r *Resolver) ClearCache() {
	r.billing.Clear()
}

// CachedBillingResults returns billing periods with a 24 hour TTL. Historical
// bills never change, so the TTL only bounds how soon a new bill shows up.
// An empty cacheKey is derived from the bounds.
func (r *Resolver) CachedBillingResults(ctx context.Context, startFrom, startTo int64, cacheKey string) ([]types.BillingPeriod, error) {
	if cacheKey == "" {
		cacheKey = fmt.Sprintf("billing_%d_%d", startFrom, startTo)
	}
	v, err := r.billing.GetOrFetch(ctx, cacheKey, func(ctx context.Context) (any, error) {
		periods, err := r.client.BillingResults(ctx, startFrom, startTo)
		if err != nil {
			return nil, err
		}
		return periods, nil
	}, true)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]types.BillingPeriod), nil
}

// periodsForMonth fetches billing periods covering the lookback window ending
// at the month's end, sorted by period end descending.
func (r *Resolver) periodsForMonth(ctx context.Context, year int, month time.Month, lookback time.Duration) ([]types.BillingPeriod, error) {
	monthStart, monthEnd := types.MonthWindow(year, month, r.settings.Location(ctx))
	periods, err := r.CachedBillingResults(ctx, monthStart.Add(-lookback).Unix(), monthEnd.Unix(), "")
	if err != nil {
		return nil, err
	}
	sorted := make([]types.BillingPeriod, len(periods))
	copy(sorted, periods)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].End > sorted[j].End
	})
	return sorted, nil
}

// RateFromBilling returns the newest usable per-m3 rate for the utility found
// within a 120 day lookback from the month. The second return is false when
// no usable rate exists.
func (r *Resolver) RateFromBilling(ctx context.Context, code types.UtilityCode, year int, month time.Month) (float64, bool, error) {
	periods, err := r.periodsForMonth(ctx, year, month, rateLookback)
	if err != nil {
		return 0, false, err
	}
	for _, p := range periods {
		for _, part := range p.Parts {
			if !part.IsUtility(code) {
				continue
			}
			for _, item := range part.Items {
				if rate, ok := item.UsableRate(); ok {
					log.Ctx(ctx).DebugContext(ctx, "resolved rate from billing",
						slog.String("utility", string(code)),
						slog.Float64("rate", rate),
						slog.Int64("periodEnd", p.End))
					return rate, true, nil
				}
			}
		}
	}
	return 0, false, nil
}

// MonthlyOtherItemsCost returns the lump-sum fees from the newest billing
// period within a 180 day lookback. Parts whose items sum to zero or less are
// skipped; rounding is only applied once the items carry a positive sum. Nil
// when nothing matches.
func (r *Resolver) MonthlyOtherItemsCost(ctx context.Context, year int, month time.Month) (*types.OtherItemsCost, error) {
	periods, err := r.periodsForMonth(ctx, year, month, otherItemsLookback)
	if err != nil {
		return nil, err
	}
	for _, p := range periods {
		for _, part := range p.Parts {
			if !part.IsOtherItems(r.otherNames) {
				continue
			}
			var itemsTotal float64
			var entries []types.OtherItemEntry
			for _, item := range part.Items {
				if item.Total <= 0 {
					continue
				}
				itemsTotal += item.Total
				entry := types.OtherItemEntry{
					Name:  item.PriceComponent.Name,
					Total: item.Total,
				}
				if item.Rate != nil {
					entry.Rate = *item.Rate
				}
				entries = append(entries, entry)
			}
			if itemsTotal <= 0 {
				continue
			}
			return &types.OtherItemsCost{
				Value:              itemsTotal + part.Rounding,
				Unit:               r.settings.Currency(ctx),
				Year:               year,
				Month:              month,
				BillingPeriodStart: p.Start,
				BillingPeriodEnd:   p.End,
				Rounding:           part.Rounding,
				Items:              entries,
			}, nil
		}
	}
	return nil, nil
}

// MonthlyPriceFromBilling derives a month's cost for a utility from billing
// statements. Cold water sums the matching parts of overlapping periods. Hot
// water is always consumption-derived because its billing line items commonly
// show an uninformative zero: the current month prefers a live spot estimate,
// older months multiply consumption by the billing rate.
func (r *Resolver) MonthlyPriceFromBilling(ctx context.Context, code types.UtilityCode, year int, month time.Month) (*types.MonthlyAggregate, error) {
	if code == types.UtilityHotWater {
		return r.hwPriceFromConsumption(ctx, year, month)
	}

	monthStart, monthEnd := types.MonthWindow(year, month, r.settings.Location(ctx))
	periods, err := r.periodsForMonth(ctx, year, month, rateLookback)
	if err != nil {
		return nil, err
	}
	var total float64
	var found bool
	for _, p := range periods {
		if !p.Overlaps(monthStart, monthEnd) {
			continue
		}
		for _, part := range p.Parts {
			if !part.IsUtility(code) {
				continue
			}
			sum := part.Rounding
			for _, item := range part.Items {
				sum += item.Total
			}
			total += sum
			found = true
		}
	}
	if !found {
		return r.priceFromRate(ctx, code, year, month)
	}
	return &types.MonthlyAggregate{
		Value:       total,
		Unit:        r.settings.Currency(ctx),
		Year:        year,
		Month:       month,
		UtilityCode: code,
		Type:        types.AggregatePrice,
		CostType:    types.CostActual,
		Method:      "billing",
	}, nil
}

// hwPriceFromConsumption estimates hot-water cost from the month's
// consumption, preferring the spot model for the current month.
func (r *Resolver) hwPriceFromConsumption(ctx context.Context, year int, month time.Month) (*types.MonthlyAggregate, error) {
	if r.agg == nil {
		return nil, fmt.Errorf("aggregate resolver not bound")
	}
	con, err := r.agg.MonthlyAggregate(ctx, types.UtilityHotWater, year, month, types.AggregateConsumption, types.CostActual)
	if err != nil || con == nil || con.Value <= 0 {
		return nil, err
	}

	now := time.Now().In(r.settings.Location(ctx))
	if r.hw != nil && year == now.Year() && month == now.Month() {
		est, err := r.hw.EstimateHWPrice(ctx, con.Value, year, month)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "hot water spot estimate failed", slog.Any("error", err))
		} else if est != nil {
			return est, nil
		}
	}

	return r.priceFromRate(ctx, types.UtilityHotWater, year, month)
}

// priceFromRate computes consumption x billing rate for the month.
func (r *Resolver) priceFromRate(ctx context.Context, code types.UtilityCode, year int, month time.Month) (*types.MonthlyAggregate, error) {
	if r.agg == nil {
		return nil, fmt.Errorf("aggregate resolver not bound")
	}
	rate, ok, err := r.RateFromBilling(ctx, code, year, month)
	if err != nil || !ok {
		return nil, err
	}
	con, err := r.agg.MonthlyAggregate(ctx, code, year, month, types.AggregateConsumption, types.CostActual)
	if err != nil || con == nil || con.Value <= 0 {
		return nil, err
	}
	return &types.MonthlyAggregate{
		Value:       con.Value * rate,
		Unit:        r.settings.Currency(ctx),
		Year:        year,
		Month:       month,
		UtilityCode: code,
		Type:        types.AggregatePrice,
		CostType:    types.CostEstimated,
		IsEstimated: true,
		Method:      "billing_rate",
	}, nil
}

// CalibrationRatio measures how closely the site's effective heating price
// tracks the day-ahead spot market. For each recent billing period carrying
// both an HW and a CW per-m3 rate, the heating premium (hwRate - cwRate) is
// divided by the energy cost implied by the period's average spot price; the
// result is the mean over all such periods. The computed value is kept for
// the life of the process. The second return is false when no period
// qualifies.
func (r *Resolver) CalibrationRatio(ctx context.Context) (float64, bool, error) {
	r.mu.Lock()
	if r.calibration != nil {
		v := *r.calibration
		r.mu.Unlock()
		return v, true, nil
	}
	r.mu.Unlock()

	now := time.Now().In(r.settings.Location(ctx))
	startFrom := now.AddDate(0, -calibrationMonthsBack, 0).Unix()
	periods, err := r.CachedBillingResults(ctx, startFrom, now.Unix(), "")
	if err != nil {
		return 0, false, err
	}

	var sum float64
	var n int
	for _, p := range periods {
		hwRate, hwOK := periodRate(&p, types.UtilityHotWater)
		cwRate, cwOK := periodRate(&p, types.UtilityColdWater)
		if !hwOK || !cwOK {
			continue
		}
		// average spot price at the period midpoint stands in for the period
		mid := time.Unix((p.Start+p.End)/2, 0).In(r.settings.Location(ctx))
		avgSpot, err := r.spot.AveragePrice(ctx, mid)
		if err != nil || avgSpot <= 0 {
			log.Ctx(ctx).DebugContext(ctx, "no spot price for billing period",
				slog.Time("midpoint", mid), slog.Any("error", err))
			continue
		}
		sum += (hwRate - cwRate) / (avgSpot * EnergyPerM3)
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	ratio := sum / float64(n)
	log.Ctx(ctx).InfoContext(ctx, "computed spot calibration ratio",
		slog.Float64("ratio", ratio), slog.Int("periods", n))

	r.mu.Lock()
	r.calibration = &ratio
	r.mu.Unlock()
	return ratio, true, nil
}

// periodRate returns the first usable per-m3 rate for the utility in the
// period.
func periodRate(p *types.BillingPeriod, code types.UtilityCode) (float64, bool) {
	for _, part := range p.Parts {
		if !part.IsUtility(code) {
			continue
		}
		for _, item := range part.Items {
			if rate, ok := item.UsableRate(); ok {
				return rate, true
			}
		}
	}
	return 0, false
}

// MostRecentPeriod returns the newest billing period within the lookback from
// now, or nil.
func (r *Resolver) MostRecentPeriod(ctx context.Context, lookback time.Duration) (*types.BillingPeriod, error) {
	now := time.Now().In(r.settings.Location(ctx))
	periods, err := r.CachedBillingResults(ctx, now.Add(-lookback).Unix(), now.Unix(), "")
	if err != nil {
		return nil, err
	}
	var newest *types.BillingPeriod
	for i := range periods {
		if newest == nil || periods[i].End > newest.End {
			newest = &periods[i]
		}
	}
	return newest, nil
}

// VATRate infers the effective VAT rate from the most recent billing period
// by summing item totals and VAT amounts across all parts. The second return
// is false when VAT cannot be detected.
func (r *Resolver) VATRate(ctx context.Context) (float64, bool, error) {
	p, err := r.MostRecentPeriod(ctx, otherItemsLookback)
	if err != nil || p == nil {
		return 0, false, err
	}
	var total, totalVat float64
	for _, part := range p.Parts {
		for _, item := range part.Items {
			total += item.Total
			totalVat += item.TotalVat
		}
	}
	if total <= 0 || totalVat <= 0 {
		return 0, false, nil
	}
	return totalVat / total, true, nil
}
