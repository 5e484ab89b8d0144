package types

import (
	"fmt"
	"time"
)

// UtilityCode identifies a metered commodity.
type UtilityCode string

const (
	UtilityHotWater      UtilityCode = "HW"
	UtilityColdWater     UtilityCode = "CW"
	UtilityElectricity   UtilityCode = "E"
	UtilityHeatingEnergy UtilityCode = "HE"
)

// KnownUtilityCodes lists the utility codes the calculators understand.
var KnownUtilityCodes = []UtilityCode{
	UtilityHotWater,
	UtilityColdWater,
	UtilityElectricity,
	UtilityHeatingEnergy,
}

// IsKnown reports whether the code is one of the supported utilities.
func (c UtilityCode) IsKnown() bool {
	for _, k := range KnownUtilityCodes {
		if c == k {
			return true
		}
	}
	return false
}

// AggregateType selects between consumption and monetary aggregates.
type AggregateType string

const (
	AggregateConsumption AggregateType = "con"
	AggregatePrice       AggregateType = "price"
)

// CostType distinguishes metered figures from derived ones.
type CostType string

const (
	// CostActual is drawn from metering or billing data.
	CostActual CostType = "actual"
	// CostEstimated is derived via rate multiplication, allocation or
	// spot-price modeling. An actual aggregate must never be produced by an
	// estimation method.
	CostEstimated CostType = "estimated"
)

// DailyValue is a single day's reading for one (utility, meter) series.
// A nil Value means the upstream has no reading for that day.
type DailyValue struct {
	Time  time.Time `json:"time"`
	Value *float64  `json:"value"`
	Unit  string    `json:"unit,omitempty"`
}

// MonthlyAggregate is the resolved value for one (utility, period,
// aggregate-type, cost-type) tuple.
type MonthlyAggregate struct {
	Value       float64       `json:"value"`
	Unit        string        `json:"unit"`
	Year        int           `json:"year"`
	Month       time.Month    `json:"month"`
	UtilityCode UtilityCode   `json:"utilityCode"`
	Type        AggregateType `json:"aggregateType"`
	CostType    CostType      `json:"costType"`
	IsEstimated bool          `json:"isEstimated"`

	// MeasuringPointID is set on per-meter aggregates, 0 for all meters.
	MeasuringPointID int `json:"measuringPointID,omitempty"`

	// Method records how the value was derived (metered, billing_rate,
	// proportional_allocation, spot_price, spot_price_calibrated).
	Method string `json:"method,omitempty"`
}

// Key returns the canonical cache/dedup key for the aggregate tuple.
func (a *MonthlyAggregate) Key() string {
	if a.MeasuringPointID != 0 {
		return fmt.Sprintf("%s_%d_%02d_%s_%s_mp%d", a.UtilityCode, a.Year, a.Month, a.Type, a.CostType, a.MeasuringPointID)
	}
	return AggregateKey(a.UtilityCode, a.Year, a.Month, a.Type, a.CostType)
}

// AggregateKey builds the canonical key without constructing an aggregate.
func AggregateKey(code UtilityCode, year int, month time.Month, at AggregateType, ct CostType) string {
	return fmt.Sprintf("%s_%d_%02d_%s_%s", code, year, month, at, ct)
}

// Installation describes one active meter installation on the node.
type Installation struct {
	MeasuringPointID int        `json:"MeasuringPointID"`
	ExternalKey      string     `json:"ExternalKey"`
	Registers        []Register `json:"Registers"`
}

// Register is a single metered quantity on an installation.
type Register struct {
	UtilityCode UtilityCode `json:"UtilityCode"`
}

// UtilityResult is one series in a data response: daily values for a single
// (utility, function) pair on one node.
type UtilityResult struct {
	Utility UtilityCode  `json:"Utl"`
	Func    string       `json:"Func"`
	Unit    string       `json:"Unit"`
	Values  []PointValue `json:"Values"`
}

// PointValue is the raw wire form of a daily reading.
type PointValue struct {
	Time  int64    `json:"Time"`
	Value *float64 `json:"Value"`
}

// NodeData is the per-node envelope of a data response.
type NodeData struct {
	ID     int             `json:"ID"`
	Result []UtilityResult `json:"Result"`
}

// ReceptionStatus reports when a meter last phoned home. PositionID matches
// the installation's MeasuringPointID.
type ReceptionStatus struct {
	PositionID      int   `json:"PositionID"`
	LatestReception int64 `json:"LatestReception"`
}
