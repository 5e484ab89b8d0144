package types

import (
	"strings"
	"time"
)

// BillingPeriod is one historical billing statement. Periods are immutable
// once returned by the upstream, which is why they can be cached for a day.
type BillingPeriod struct {
	Start int64         `json:"Start"`
	End   int64         `json:"End"`
	Parts []BillingPart `json:"Parts"`
}

// StartTime returns the period start as a time.Time.
func (p *BillingPeriod) StartTime() time.Time { return time.Unix(p.Start, 0) }

// EndTime returns the period end as a time.Time.
func (p *BillingPeriod) EndTime() time.Time { return time.Unix(p.End, 0) }

// Overlaps reports whether the billing period overlaps [from, to).
func (p *BillingPeriod) Overlaps(from, to time.Time) bool {
	return p.Start < to.Unix() && p.End > from.Unix()
}

// BillingPart groups the items billed for one utility. A part with no code
// holds the lump-sum "other items" fees.
type BillingPart struct {
	Code     *UtilityCode  `json:"Code"`
	Name     string        `json:"Name"`
	Items    []BillingItem `json:"Items"`
	Rounding float64       `json:"Rounding"`
}

// IsUtility reports whether the part bills the given utility.
func (p *BillingPart) IsUtility(code UtilityCode) bool {
	return p.Code != nil && *p.Code == code
}

// IsOtherItems reports whether the part is the lump-sum fees part: no code
// and a name matching one of the configured substrings (case-insensitive).
func (p *BillingPart) IsOtherItems(nameSubstrings []string) bool {
	if p.Code != nil && *p.Code != "" {
		return false
	}
	name := strings.ToLower(p.Name)
	for _, sub := range nameSubstrings {
		if sub != "" && strings.Contains(name, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// PriceComponent describes the tariff component an item was billed under.
type PriceComponent struct {
	Type string `json:"Type"`
	Name string `json:"Name"`
}

// BillingItem is a single line on a billing part.
type BillingItem struct {
	Rate           *float64       `json:"Rate"`
	RateUnit       string         `json:"RateUnit"`
	PriceComponent PriceComponent `json:"PriceComponent"`
	Total          float64        `json:"Total"`
	TotalVat       float64        `json:"TotalVat"`
}

// UsableRate returns the item's per-m3 rate if the item carries one. Only
// variable charges (component types C1/C2) priced per cubic meter qualify.
func (i *BillingItem) UsableRate() (float64, bool) {
	if i.Rate == nil || i.RateUnit != "m3" {
		return 0, false
	}
	switch i.PriceComponent.Type {
	case "C1", "C2":
		return *i.Rate, true
	}
	return 0, false
}

// OtherItemsCost is the resolved lump-sum fees figure for a month, traced
// back to the billing period it was read from.
type OtherItemsCost struct {
	Value              float64          `json:"value"`
	Unit               string           `json:"unit"`
	Year               int              `json:"year"`
	Month              time.Month       `json:"month"`
	BillingPeriodStart int64            `json:"billingPeriodStart"`
	BillingPeriodEnd   int64            `json:"billingPeriodEnd"`
	Rounding           float64          `json:"rounding"`
	Items              []OtherItemEntry `json:"items"`
}

// OtherItemEntry is one fee line inside an OtherItemsCost.
type OtherItemEntry struct {
	Name  string  `json:"name"`
	Rate  float64 `json:"rate"`
	Total float64 `json:"total"`
}
