// Package aggregate resolves (utility, period, aggregate-type, cost-type)
// tuples to monthly figures, falling back through metered data, billing
// rates, proportional allocation and spot-price estimation.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aquacost/aquacost/pkg/billing"
	"github.com/aquacost/aquacost/pkg/cache"
	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/metering"
	"github.com/aquacost/aquacost/pkg/spot"
	"github.com/aquacost/aquacost/pkg/types"

	"github.com/levenlabs/go-lflag"
)

// Service owns the aggregate calculators. All lookups are keyed through the
// single-flight cache so identical concurrent requests collapse.
type Service struct {
	client   metering.Client
	settings *metering.Settings
	billing  *billing.Resolver
	spot     spot.Source
	store    *Store

	results *cache.Cache
	data    *cache.Cache
}

// Configured sets up flags for the aggregate service and returns the
// instance. It also binds itself into the billing resolver.
func Configured(client metering.Client, settings *metering.Settings, bill *billing.Resolver, spotSrc spot.Source, store *Store, gate *cache.Gate) *Service {
	s := &Service{
		client:   client,
		settings: settings,
		billing:  bill,
		spot:     spotSrc,
		store:    store,
	}
	resultTTL := lflag.Duration("aggregate-cache-ttl", time.Hour, "How long resolved monthly aggregates are cached")
	dataTTL := lflag.Duration("daily-data-cache-ttl", 30*time.Minute, "How long fetched daily series are cached")

	lflag.Do(func() {
		s.results = cache.New("aggregates", *resultTTL, gate)
		s.data = cache.New("daily_data", *dataTTL, gate)
	})
	bill.Bind(s, s)
	return s
}

// New returns a service with explicit configuration, bypassing flags.
func New(client metering.Client, settings *metering.Settings, bill *billing.Resolver, spotSrc spot.Source, store *Store) *Service {
	s := &Service{
		client:   client,
		settings: settings,
		billing:  bill,
		spot:     spotSrc,
		store:    store,
		results:  cache.New("aggregates", time.Hour, nil),
		data:     cache.New("daily_data", 30*time.Minute, nil),
	}
	bill.Bind(s, s)
	return s
}

// ClearCaches wipes the service's caches and the shared daily store.
func (s *Service) ClearCaches() {
	s.results.Clear()
	s.data.Clear()
	s.store.Clear()
	s.billing.ClearCache()
}

// LatestReception reports when each meter last phoned home, cached alongside
// the daily data.
func (s *Service) LatestReception(ctx context.Context) ([]types.ReceptionStatus, error) {
	v, err := s.data.GetOrFetch(ctx, "latest_reception", func(ctx context.Context) (any, error) {
		return s.client.LatestReception(ctx)
	}, true)
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]types.ReceptionStatus), nil
}

// visitKey identifies one resolution frame on the internal call chain.
// Revisiting a frame means a calculator cycle; the revisit resolves to "not
// found" instead of recursing forever.
type visitKey struct {
	code types.UtilityCode
	mp   int
	at   types.AggregateType
	ct   types.CostType
}

type visitSet map[visitKey]bool

func (v visitSet) enter(k visitKey) (visitSet, bool) {
	if v[k] {
		return v, false
	}
	next := make(visitSet, len(v)+1)
	for key := range v {
		next[key] = true
	}
	next[k] = true
	return next, true
}

// MonthlyAggregate resolves a value across all meters. Nil means the value
// could not be determined.
func (s *Service) MonthlyAggregate(ctx context.Context, code types.UtilityCode, year int, month time.Month, at types.AggregateType, ct types.CostType) (*types.MonthlyAggregate, error) {
	return s.resolve(ctx, code, 0, year, month, at, ct, visitSet{})
}

// MeterAggregate resolves a value for a single measuring point.
func (s *Service) MeterAggregate(ctx context.Context, code types.UtilityCode, mp int, year int, month time.Month, at types.AggregateType, ct types.CostType) (*types.MonthlyAggregate, error) {
	return s.resolve(ctx, code, mp, year, month, at, ct, visitSet{})
}

var _ billing.AggregateResolver = (*Service)(nil)
var _ billing.HWPriceEstimator = (*Service)(nil)

// resolve answers one aggregate tuple through the result cache.
func (s *Service) resolve(ctx context.Context, code types.UtilityCode, mp int, year int, month time.Month, at types.AggregateType, ct types.CostType, visited visitSet) (*types.MonthlyAggregate, error) {
	if !code.IsKnown() {
		return nil, fmt.Errorf("unknown utility code %q", code)
	}
	k := visitKey{code: code, mp: mp, at: at, ct: ct}
	visited, ok := visited.enter(k)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "aggregate resolution cycle detected",
			slog.String("utility", string(code)),
			slog.String("aggregateType", string(at)),
			slog.String("costType", string(ct)))
		return nil, nil
	}

	key := (&types.MonthlyAggregate{
		Year: year, Month: month, UtilityCode: code, Type: at, CostType: ct, MeasuringPointID: mp,
	}).Key()
	v, err := s.results.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		agg, err := s.compute(ctx, code, mp, year, month, at, ct, visited)
		if err != nil {
			// contained: a calculator failure degrades to "not found"
			log.Ctx(ctx).WarnContext(ctx, "aggregate calculation failed",
				slog.String("key", key), slog.Any("error", err))
			return nil, nil
		}
		if agg == nil {
			return nil, nil
		}
		return agg, nil
	}, true)
	if err != nil || v == nil {
		return nil, err
	}
	agg := *v.(*types.MonthlyAggregate)
	return &agg, nil
}

// compute runs the fallback chain for one tuple.
func (s *Service) compute(ctx context.Context, code types.UtilityCode, mp int, year int, month time.Month, at types.AggregateType, ct types.CostType, visited visitSet) (*types.MonthlyAggregate, error) {
	if at == types.AggregateConsumption {
		return s.consumption(ctx, code, mp, year, month, ct)
	}
	return s.price(ctx, code, mp, year, month, ct, visited)
}

// consumption sums the non-null daily values inside the month window.
func (s *Service) consumption(ctx context.Context, code types.UtilityCode, mp int, year int, month time.Month, ct types.CostType) (*types.MonthlyAggregate, error) {
	loc := s.settings.Location(ctx)
	from, to := types.MonthWindow(year, month, loc)
	values, err := s.dailyValues(ctx, code, types.AggregateConsumption, mp, year, month)
	if err != nil {
		return nil, err
	}
	sum, days, unit, _ := sumWindow(values, from, to)
	if days == 0 {
		return nil, nil
	}
	if unit == "" {
		unit = "m3"
	}
	resolutions.WithLabelValues(string(code), "metered").Inc()
	return &types.MonthlyAggregate{
		Value:            sum,
		Unit:             unit,
		Year:             year,
		Month:            month,
		UtilityCode:      code,
		Type:             types.AggregateConsumption,
		CostType:         ct,
		IsEstimated:      ct == types.CostEstimated,
		MeasuringPointID: mp,
		Method:           "metered",
	}, nil
}

// price walks the resolution chain: metered, proportional allocation (hot
// water, per meter), consumption x rate, overlapping billing statements, spot
// estimate (hot water). Steps that would estimate are skipped for an actual
// cost type.
func (s *Service) price(ctx context.Context, code types.UtilityCode, mp int, year int, month time.Month, ct types.CostType, visited visitSet) (*types.MonthlyAggregate, error) {
	loc := s.settings.Location(ctx)
	from, to := types.MonthWindow(year, month, loc)
	currency := s.settings.Currency(ctx)

	// 1. metered
	values, err := s.dailyValues(ctx, code, types.AggregatePrice, mp, year, month)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "metered price fetch failed",
			slog.String("utility", string(code)), slog.Any("error", err))
	} else {
		sum, days, unit, _ := sumWindow(values, from, to)
		// an all-zero hot water price means the meter hasn't computed one
		if days > 0 && !(code == types.UtilityHotWater && allZero(values, from, to)) {
			if unit == "" {
				unit = currency
			}
			resolutions.WithLabelValues(string(code), "metered").Inc()
			return &types.MonthlyAggregate{
				Value:            sum,
				Unit:             unit,
				Year:             year,
				Month:            month,
				UtilityCode:      code,
				Type:             types.AggregatePrice,
				CostType:         ct,
				MeasuringPointID: mp,
				Method:           "metered",
			}, nil
		}
	}

	// everything below estimates; an actual cost must come from metering
	if ct == types.CostActual {
		return nil, nil
	}

	// 2. proportional allocation from the building-wide hot water cost
	if code == types.UtilityHotWater && mp != 0 {
		if agg, err := s.allocate(ctx, mp, year, month, visited); err == nil && agg != nil {
			return agg, nil
		} else if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "proportional allocation failed", slog.Any("error", err))
		}
	}

	// 3. consumption x billing rate
	rate, ok, err := s.billing.RateFromBilling(ctx, code, year, month)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "rate lookup failed", slog.Any("error", err))
	} else if ok {
		con, err := s.resolve(ctx, code, mp, year, month, types.AggregateConsumption, types.CostActual, visited)
		if err == nil && con != nil && con.Value > 0 {
			resolutions.WithLabelValues(string(code), "billing_rate").Inc()
			return &types.MonthlyAggregate{
				Value:            con.Value * rate,
				Unit:             currency,
				Year:             year,
				Month:            month,
				UtilityCode:      code,
				Type:             types.AggregatePrice,
				CostType:         types.CostEstimated,
				IsEstimated:      true,
				MeasuringPointID: mp,
				Method:           "billing_rate",
			}, nil
		}
	}

	// 4. cost recorded on billing statements overlapping the month
	if mp == 0 {
		agg, err := s.billing.MonthlyPriceFromBilling(ctx, code, year, month)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "billing price lookup failed", slog.Any("error", err))
		} else if agg != nil {
			resolutions.WithLabelValues(string(code), agg.Method).Inc()
			// resolved inside the estimated chain, so it answers as an estimate
			agg.CostType = types.CostEstimated
			agg.IsEstimated = true
			return agg, nil
		}
	}

	// 5. spot-price model
	if code == types.UtilityHotWater {
		con, err := s.resolve(ctx, code, mp, year, month, types.AggregateConsumption, types.CostActual, visited)
		if err == nil && con != nil && con.Value > 0 {
			agg, err := s.estimateHW(ctx, con.Value, year, month, visited)
			if err != nil {
				log.Ctx(ctx).DebugContext(ctx, "spot estimate failed", slog.Any("error", err))
			} else if agg != nil {
				agg.MeasuringPointID = mp
				return agg, nil
			}
		}
	}
	return nil, nil
}

// allocate splits the building-wide estimated hot water cost across meters in
// proportion to consumption.
func (s *Service) allocate(ctx context.Context, mp int, year int, month time.Month, visited visitSet) (*types.MonthlyAggregate, error) {
	total, err := s.resolve(ctx, types.UtilityHotWater, 0, year, month, types.AggregatePrice, types.CostEstimated, visited)
	if err != nil || total == nil || total.Value <= 0 {
		return nil, err
	}
	totalCon, err := s.resolve(ctx, types.UtilityHotWater, 0, year, month, types.AggregateConsumption, types.CostActual, visited)
	if err != nil || totalCon == nil || totalCon.Value <= 0 {
		return nil, err
	}
	meterCon, err := s.resolve(ctx, types.UtilityHotWater, mp, year, month, types.AggregateConsumption, types.CostActual, visited)
	if err != nil || meterCon == nil || meterCon.Value <= 0 {
		return nil, err
	}
	resolutions.WithLabelValues(string(types.UtilityHotWater), "proportional_allocation").Inc()
	return &types.MonthlyAggregate{
		Value:            total.Value * (meterCon.Value / totalCon.Value),
		Unit:             total.Unit,
		Year:             year,
		Month:            month,
		UtilityCode:      types.UtilityHotWater,
		Type:             types.AggregatePrice,
		CostType:         types.CostEstimated,
		IsEstimated:      true,
		MeasuringPointID: mp,
		Method:           "proportional_allocation",
	}, nil
}

// dailyValues returns the daily series for a tuple, preferring the shared
// store and falling back to a deduplicated fetch.
func (s *Service) dailyValues(ctx context.Context, code types.UtilityCode, at types.AggregateType, mp int, year int, month time.Month) ([]types.DailyValue, error) {
	if at == types.AggregateConsumption {
		if v, ok := s.store.Consumption(code, mp); ok {
			return v, nil
		}
	} else {
		if v, ok := s.store.MeteredPrice(code, mp); ok {
			return v, nil
		}
	}
	return s.fetchDaily(ctx, code, at, mp, year, month)
}

// fetchDaily pulls one month of daily values from the API through the
// single-flight data cache.
func (s *Service) fetchDaily(ctx context.Context, code types.UtilityCode, at types.AggregateType, mp int, year int, month time.Month) ([]types.DailyValue, error) {
	key := fmt.Sprintf("daily_%s_%s_%d_%02d_%d", code, at, year, month, mp)
	v, err := s.data.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		loc := s.settings.Location(ctx)
		from, to := types.MonthWindow(year, month, loc)
		data, err := s.client.Data(ctx, metering.DataQuery{
			From:             from,
			To:               to,
			Interval:         "d",
			Grouping:         "apartment",
			Utilities:        []string{metering.UtilityParam(code, at)},
			IncludeSubNodes:  mp == 0,
			MeasuringPointID: mp,
		})
		if err != nil {
			return nil, err
		}
		return mergeDaily(data, code, at, loc), nil
	}, true)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]types.DailyValue), nil
}

// mergeDaily flattens a data response into one daily series, summing values
// that share a timestamp across meters. A day where every meter reported
// null stays null.
func mergeDaily(data []types.NodeData, code types.UtilityCode, at types.AggregateType, loc *time.Location) []types.DailyValue {
	type day struct {
		sum  *float64
		unit string
	}
	merged := map[int64]*day{}
	for _, node := range data {
		for _, res := range node.Result {
			if res.Utility != code || res.Func != string(at) {
				continue
			}
			for _, pv := range res.Values {
				d, ok := merged[pv.Time]
				if !ok {
					d = &day{unit: res.Unit}
					merged[pv.Time] = d
				}
				if pv.Value != nil {
					if d.sum == nil {
						d.sum = new(float64)
					}
					*d.sum += *pv.Value
				}
			}
		}
	}
	out := make([]types.DailyValue, 0, len(merged))
	for ts, d := range merged {
		out = append(out, types.DailyValue{
			Time:  time.Unix(ts, 0).In(loc),
			Value: d.sum,
			Unit:  d.unit,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
