package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/types"
)

// EndOfMonthEstimate projects the current partial month to a full-month bill
// by extrapolating mean daily values. The mean divides by days that actually
// carried data, not by calendar days elapsed, because the upstream regularly
// omits the most recent days. The current partial day counts as elapsed, so
// the first of the month already yields an estimate; nil only when the clock
// somehow sits before the month start.
func (s *Service) EndOfMonthEstimate(ctx context.Context) (*types.EndOfMonthEstimate, error) {
	loc := s.settings.Location(ctx)
	now := time.Now().In(loc)
	year, month := now.Year(), now.Month()
	from, _ := types.MonthWindow(year, month, loc)

	daysElapsed := int(now.Sub(from).Hours()/24) + 1
	if daysElapsed <= 0 {
		return nil, nil
	}
	totalDays := types.DaysInMonth(year, month)

	est := &types.EndOfMonthEstimate{
		Currency:            s.settings.Currency(ctx),
		Year:                year,
		Month:               month,
		DaysElapsedCalendar: daysElapsed,
		DaysRemaining:       totalDays - daysElapsed,
		TotalDaysInMonth:    totalDays,
	}

	est.HWConsumption, _ = s.projectSeries(ctx, types.UtilityHotWater, types.AggregateConsumption, year, month, totalDays)
	est.CWConsumption, _ = s.projectSeries(ctx, types.UtilityColdWater, types.AggregateConsumption, year, month, totalDays)

	var hwFound, cwFound bool
	est.HWPrice, hwFound = s.projectSeries(ctx, types.UtilityHotWater, types.AggregatePrice, year, month, totalDays)
	est.CWPrice, cwFound = s.projectSeries(ctx, types.UtilityColdWater, types.AggregatePrice, year, month, totalDays)

	// no metered hot water price: model the projected consumption via spot
	if !hwFound && est.HWConsumption.EstimatedTotal > 0 {
		hw, err := s.EstimateHWPrice(ctx, est.HWConsumption.EstimatedTotal, year, month)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "hot water projection estimate failed", slog.Any("error", err))
		} else if hw != nil {
			est.HWPrice = types.SeriesEstimate{
				MeanDaily:      hw.Value / float64(totalDays),
				EstimatedTotal: hw.Value,
				IsEstimated:    true,
			}
		}
	}

	// no metered cold water price: fall back to the aggregate estimation path
	if !cwFound {
		cw, err := s.MonthlyAggregate(ctx, types.UtilityColdWater, year, month, types.AggregatePrice, types.CostEstimated)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "cold water estimate failed", slog.Any("error", err))
		} else if cw != nil {
			est.CWPrice = types.SeriesEstimate{
				MeanDaily:      cw.Value / float64(totalDays),
				EstimatedTotal: cw.Value,
				IsEstimated:    true,
			}
		}
	}

	other, err := s.billing.MonthlyOtherItemsCost(ctx, year, month)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "other items lookup failed", slog.Any("error", err))
	} else if other != nil {
		est.OtherItemsCost = other.Value
	}

	est.DaysWithData = max(est.HWConsumption.DaysWithData, est.CWConsumption.DaysWithData)
	est.LatestDataTime = max(est.HWConsumption.LatestDataTime, est.CWConsumption.LatestDataTime)
	est.TotalBillEstimate = est.HWPrice.EstimatedTotal + est.CWPrice.EstimatedTotal + est.OtherItemsCost
	return est, nil
}

// projectSeries extrapolates one daily series over the whole month. The
// second return is false when the series has no usable data, in which case a
// zero-filled estimate is returned.
func (s *Service) projectSeries(ctx context.Context, code types.UtilityCode, at types.AggregateType, year int, month time.Month, totalDays int) (types.SeriesEstimate, bool) {
	loc := s.settings.Location(ctx)
	from, to := types.MonthWindow(year, month, loc)

	values, err := s.dailyValues(ctx, code, at, 0, year, month)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "daily series fetch failed",
			slog.String("utility", string(code)), slog.String("type", string(at)), slog.Any("error", err))
		return types.SeriesEstimate{}, false
	}
	sum, days, _, latest := sumWindow(values, from, to)
	if days == 0 {
		return types.SeriesEstimate{}, false
	}
	if at == types.AggregatePrice && code == types.UtilityHotWater && allZero(values, from, to) {
		return types.SeriesEstimate{}, false
	}

	mean := sum / float64(days)
	series := types.SeriesEstimate{
		MeanDaily:      mean,
		TotalSoFar:     sum,
		EstimatedTotal: mean * float64(totalDays),
		DaysWithData:   days,
	}
	if !latest.IsZero() {
		series.LatestDataTime = latest.Unix()
	}
	return series, true
}
