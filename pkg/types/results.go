package types

import "time"

// TotalCostResult is the current month's summed cost across utilities.
// Value is always the tax-exclusive ("pure") figure; the VAT fields are only
// populated when VAT was detected in billing.
type TotalCostResult struct {
	Value    float64    `json:"value"`
	Unit     string     `json:"unit"`
	Year     int        `json:"year"`
	Month    time.Month `json:"month"`
	Currency string     `json:"currency"`

	Utilities          []UtilityCode `json:"utilities"`
	MeteredUtilities   []UtilityCode `json:"meteredUtilities"`
	EstimatedUtilities []UtilityCode `json:"estimatedUtilities"`

	// MeteredCost is the metered portion with VAT removed.
	MeteredCost float64 `json:"meteredCost"`
	// MeteredCostWithVAT is the metered portion as reported by the API.
	MeteredCostWithVAT float64 `json:"meteredCostWithVAT"`
	// EstimatedCost is tax-exclusive by construction and never VAT-adjusted.
	EstimatedCost float64 `json:"estimatedCost"`
	IsEstimated   bool    `json:"isEstimated"`

	PricesIncludedVAT bool    `json:"pricesIncludedVAT"`
	CostWithVAT       float64 `json:"costWithVAT,omitempty"`
	VATAmount         float64 `json:"vatAmount,omitempty"`
	VATRatePercent    float64 `json:"vatRatePercent,omitempty"`
}

// SeriesEstimate is one projected series in an end-of-month estimate.
type SeriesEstimate struct {
	MeanDaily      float64 `json:"meanDaily"`
	TotalSoFar     float64 `json:"totalSoFar"`
	EstimatedTotal float64 `json:"estimatedTotal"`
	DaysWithData   int     `json:"daysWithData"`
	LatestDataTime int64   `json:"latestDataTime,omitempty"`
	IsEstimated    bool    `json:"isEstimated"`
}

// EndOfMonthEstimate projects the current partial month to a full-month bill.
type EndOfMonthEstimate struct {
	HWConsumption SeriesEstimate `json:"hwConsumption"`
	HWPrice       SeriesEstimate `json:"hwPrice"`
	CWConsumption SeriesEstimate `json:"cwConsumption"`
	CWPrice       SeriesEstimate `json:"cwPrice"`

	OtherItemsCost    float64    `json:"otherItemsCost"`
	TotalBillEstimate float64    `json:"totalBillEstimate"`
	Currency          string     `json:"currency"`
	Year              int        `json:"year"`
	Month             time.Month `json:"month"`

	DaysElapsedCalendar int   `json:"daysElapsedCalendar"`
	DaysWithData        int   `json:"daysWithData"`
	DaysRemaining       int   `json:"daysRemaining"`
	TotalDaysInMonth    int   `json:"totalDaysInMonth"`
	LatestDataTime      int64 `json:"latestDataTime,omitempty"`
}
