package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/metering"
	"github.com/aquacost/aquacost/pkg/types"
)

// MonthlyTotalCost sums every installed utility's price for the current
// month. The returned Value is always tax-exclusive; when the hot water
// price is unmetered and includeEstimated is set, a spot-model estimate is
// added. Nil when no cost can be determined at all.
func (s *Service) MonthlyTotalCost(ctx context.Context, includeEstimated bool) (*types.TotalCostResult, error) {
	codes, err := s.installedUtilities(ctx)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, nil
	}

	loc := s.settings.Location(ctx)
	now := time.Now().In(loc)
	year, month := now.Year(), now.Month()
	from, to := types.MonthWindow(year, month, loc)

	data, err := s.batchedPrices(ctx, codes, year, month)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "batched price fetch failed", slog.Any("error", err))
	}

	var meteredCost float64
	var metered []types.UtilityCode
	for _, code := range codes {
		values := mergeDaily(data, code, types.AggregatePrice, loc)
		sum, days, _, _ := sumWindow(values, from, to)
		if days == 0 {
			continue
		}
		if code == types.UtilityHotWater && allZero(values, from, to) {
			continue
		}
		meteredCost += sum
		metered = append(metered, code)
	}

	var estimatedCost float64
	var estimated []types.UtilityCode
	if includeEstimated && contains(codes, types.UtilityHotWater) && !contains(metered, types.UtilityHotWater) {
		con, err := s.MonthlyAggregate(ctx, types.UtilityHotWater, year, month, types.AggregateConsumption, types.CostActual)
		if err == nil && con != nil && con.Value > 0 {
			est, err := s.EstimateHWPrice(ctx, con.Value, year, month)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "hot water estimate failed", slog.Any("error", err))
			} else if est != nil {
				estimatedCost = est.Value
				estimated = append(estimated, types.UtilityHotWater)
			}
		}
	}

	if len(metered) == 0 && len(estimated) == 0 {
		return nil, nil
	}

	result := &types.TotalCostResult{
		Unit:               s.settings.Currency(ctx),
		Year:               year,
		Month:              month,
		Currency:           s.settings.Currency(ctx),
		Utilities:          codes,
		MeteredUtilities:   metered,
		EstimatedUtilities: estimated,
		MeteredCost:        meteredCost,
		MeteredCostWithVAT: meteredCost,
		EstimatedCost:      estimatedCost,
		IsEstimated:        len(estimated) > 0,
	}

	// the metered sum includes VAT when billing shows VAT; the estimate is
	// tax-exclusive by construction and never adjusted
	vatRate, ok, err := s.billing.VATRate(ctx)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "vat detection failed", slog.Any("error", err))
	}
	if ok {
		pure := meteredCost / (1 + vatRate)
		result.PricesIncludedVAT = true
		result.MeteredCost = pure
		result.VATAmount = meteredCost - pure
		result.VATRatePercent = vatRate * 100
		result.CostWithVAT = meteredCost + estimatedCost
	}
	result.Value = result.MeteredCost + estimatedCost
	return result, nil
}

// installedUtilities returns the known utility codes present on active
// installations, deduplicated, through the data cache.
func (s *Service) installedUtilities(ctx context.Context) ([]types.UtilityCode, error) {
	v, err := s.data.GetOrFetch(ctx, "installations", func(ctx context.Context) (any, error) {
		installations, err := s.client.Installations(ctx)
		if err != nil {
			return nil, err
		}
		var codes []types.UtilityCode
		for _, inst := range installations {
			for _, reg := range inst.Registers {
				if reg.UtilityCode.IsKnown() && !contains(codes, reg.UtilityCode) {
					codes = append(codes, reg.UtilityCode)
				}
			}
		}
		return codes, nil
	}, true)
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]types.UtilityCode), nil
}

// batchedPrices fetches all utilities' daily prices for the month in one
// request.
func (s *Service) batchedPrices(ctx context.Context, codes []types.UtilityCode, year int, month time.Month) ([]types.NodeData, error) {
	key := "batch_price_" + types.AggregateKey("all", year, month, types.AggregatePrice, types.CostActual)
	v, err := s.data.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		loc := s.settings.Location(ctx)
		from, to := types.MonthWindow(year, month, loc)
		utilities := make([]string, 0, len(codes))
		for _, code := range codes {
			utilities = append(utilities, metering.UtilityParam(code, types.AggregatePrice))
		}
		return s.client.Data(ctx, metering.DataQuery{
			From:            from,
			To:              to,
			Interval:        "d",
			Grouping:        "apartment",
			Utilities:       utilities,
			IncludeSubNodes: true,
		})
	}, true)
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]types.NodeData), nil
}

func contains(codes []types.UtilityCode, code types.UtilityCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
