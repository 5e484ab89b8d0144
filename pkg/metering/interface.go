package metering

import (
	"context"
	"time"

	"github.com/aquacost/aquacost/pkg/types"
)

// DataQuery describes one consumption/price request against the data
// endpoint. Utilities entries use the upstream's "CODE[func]" form, e.g.
// "CW[con]" or "HW[price]".
type DataQuery struct {
	From            time.Time
	To              time.Time
	Interval        string
	Grouping        string
	Utilities       []string
	IncludeSubNodes bool

	// MeasuringPointID restricts the query to one meter when non-zero;
	// otherwise the client queries its configured node.
	MeasuringPointID int
}

// Client is the capability interface for the metering API. An implementation
// is bound to one node and owns authentication, rate limiting and retries;
// callers see only an eventual result or error.
type Client interface {
	// Data returns daily series for the queried utilities.
	Data(ctx context.Context, q DataQuery) ([]types.NodeData, error)

	// BillingResults returns billing periods whose start falls inside
	// [startFrom, startTo]. A zero bound is left open.
	BillingResults(ctx context.Context, startFrom, startTo int64) ([]types.BillingPeriod, error)

	// Installations returns the node's active meter installations.
	Installations(ctx context.Context) ([]types.Installation, error)

	// Setting returns a node setting such as "TimeZoneIANA" or "Currency".
	// An unset setting yields an empty string and no error.
	Setting(ctx context.Context, name string) (string, error)

	// LatestReception returns the last-heard-from timestamps for the node's
	// meters.
	LatestReception(ctx context.Context) ([]types.ReceptionStatus, error)
}

// UtilityParam formats a utility code and aggregate type for a DataQuery.
func UtilityParam(code types.UtilityCode, at types.AggregateType) string {
	return string(code) + "[" + string(at) + "]"
}
