package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthWindow(t *testing.T) {
	t.Run("UTC", func(t *testing.T) {
		from, to := MonthWindow(2026, time.March, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), from)
		assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), to)
	})

	t.Run("NilLocationDefaultsToUTC", func(t *testing.T) {
		from, _ := MonthWindow(2026, time.January, nil)
		assert.Equal(t, time.UTC, from.Location())
	})

	t.Run("DSTTransitionMonth", func(t *testing.T) {
		// Oslo enters DST during March; the window must still span the whole
		// month in local time.
		loc, err := time.LoadLocation("Europe/Oslo")
		require.NoError(t, err)
		from, to := MonthWindow(2026, time.March, loc)
		assert.Equal(t, time.March, from.Month())
		assert.Equal(t, time.April, to.Month())
		assert.Equal(t, 1, to.Day())
	})
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 31, DaysInMonth(2026, time.March))
	assert.Equal(t, 30, DaysInMonth(2026, time.September))
	assert.Equal(t, 28, DaysInMonth(2026, time.February))
	assert.Equal(t, 29, DaysInMonth(2028, time.February))
	// month arithmetic normalizes across the year boundary
	assert.Equal(t, 31, DaysInMonth(2026, time.December))
}

func TestBillingPeriodOverlaps(t *testing.T) {
	p := BillingPeriod{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Unix(),
		End:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}
	marFrom, marTo := MonthWindow(2026, time.March, time.UTC)
	febFrom, febTo := MonthWindow(2026, time.February, time.UTC)

	assert.True(t, p.Overlaps(febFrom, febTo))
	// the end boundary is exclusive
	assert.False(t, p.Overlaps(marFrom, marTo))
}

func TestBillingItemUsableRate(t *testing.T) {
	rate := 42.5
	tests := []struct {
		name string
		item BillingItem
		ok   bool
	}{
		{"C1PerM3", BillingItem{Rate: &rate, RateUnit: "m3", PriceComponent: PriceComponent{Type: "C1"}}, true},
		{"C2PerM3", BillingItem{Rate: &rate, RateUnit: "m3", PriceComponent: PriceComponent{Type: "C2"}}, true},
		{"FixedComponent", BillingItem{Rate: &rate, RateUnit: "m3", PriceComponent: PriceComponent{Type: "F1"}}, false},
		{"WrongUnit", BillingItem{Rate: &rate, RateUnit: "kWh", PriceComponent: PriceComponent{Type: "C1"}}, false},
		{"NoRate", BillingItem{RateUnit: "m3", PriceComponent: PriceComponent{Type: "C1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.item.UsableRate()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, rate, got)
			}
		})
	}
}

func TestBillingPartIsOtherItems(t *testing.T) {
	names := []string{"øvrig", "other", "misc"}
	code := UtilityColdWater

	assert.True(t, (&BillingPart{Name: "Øvrige poster"}).IsOtherItems(names))
	assert.True(t, (&BillingPart{Name: "Misc. fees"}).IsOtherItems(names))
	assert.False(t, (&BillingPart{Name: "Kaldtvann"}).IsOtherItems(names))
	// a coded part is never the lump-sum part, no matter its name
	assert.False(t, (&BillingPart{Code: &code, Name: "other"}).IsOtherItems(names))
}
