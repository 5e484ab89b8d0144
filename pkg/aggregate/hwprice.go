package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/aquacost/aquacost/pkg/billing"
	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/types"
)

// EstimateHWPrice models the month's hot water cost from spot prices: the
// heating energy for the consumed volume priced at the day-ahead market
// (scaled by the site's calibration ratio), on top of the cold-water baseline
// cost of the same volume.
func (s *Service) EstimateHWPrice(ctx context.Context, consumption float64, year int, month time.Month) (*types.MonthlyAggregate, error) {
	seed := visitSet{
		{code: types.UtilityHotWater, at: types.AggregatePrice, ct: types.CostEstimated}: true,
	}
	return s.estimateHW(ctx, consumption, year, month, seed)
}

func (s *Service) estimateHW(ctx context.Context, consumption float64, year int, month time.Month, visited visitSet) (*types.MonthlyAggregate, error) {
	if consumption <= 0 {
		return nil, nil
	}
	loc := s.settings.Location(ctx)
	now := time.Now().In(loc)

	// the live hour price for the current month, mid-month average for
	// historical ones
	var avgSpot float64
	var err error
	if year == now.Year() && month == now.Month() {
		avgSpot, err = s.spot.CurrentPrice(ctx)
	} else {
		avgSpot, err = s.spot.AveragePrice(ctx, time.Date(year, month, 15, 12, 0, 0, 0, loc))
	}
	if err != nil {
		return nil, err
	}
	if avgSpot <= 0 {
		return nil, nil
	}

	method := "spot_price_calibrated"
	ratio, ok, err := s.billing.CalibrationRatio(ctx)
	if err != nil || !ok {
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "calibration ratio unavailable", slog.Any("error", err))
		}
		ratio = 1.0
		method = "spot_price"
	}

	heating := consumption * billing.EnergyPerM3 * avgSpot * ratio
	value := heating + s.coldWaterBaseline(ctx, consumption, year, month, visited)

	resolutions.WithLabelValues(string(types.UtilityHotWater), method).Inc()
	return &types.MonthlyAggregate{
		Value:       value,
		Unit:        s.settings.Currency(ctx),
		Year:        year,
		Month:       month,
		UtilityCode: types.UtilityHotWater,
		Type:        types.AggregatePrice,
		CostType:    types.CostEstimated,
		IsEstimated: true,
		Method:      method,
	}, nil
}

// coldWaterBaseline prices the consumed volume as if it were cold water.
// Hot water is billed as cold water plus heating, so the spot model only
// covers the heating premium.
func (s *Service) coldWaterBaseline(ctx context.Context, consumption float64, year int, month time.Month, visited visitSet) float64 {
	cwPrice, err := s.resolve(ctx, types.UtilityColdWater, 0, year, month, types.AggregatePrice, types.CostEstimated, visited)
	if err == nil && cwPrice != nil && cwPrice.Value > 0 {
		cwCon, err := s.resolve(ctx, types.UtilityColdWater, 0, year, month, types.AggregateConsumption, types.CostActual, visited)
		if err == nil && cwCon != nil && cwCon.Value > 0 {
			return consumption * (cwPrice.Value / cwCon.Value)
		}
	}
	rate, ok, err := s.billing.RateFromBilling(ctx, types.UtilityColdWater, year, month)
	if err == nil && ok {
		return consumption * rate
	}
	return 0
}
