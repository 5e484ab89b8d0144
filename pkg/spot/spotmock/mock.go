package spotmock

import (
	"context"
	"time"

	"github.com/aquacost/aquacost/pkg/spot"
	"github.com/stretchr/testify/mock"
)

type MockSource struct {
	mock.Mock
}

var _ spot.Source = (*MockSource)(nil)

func (m *MockSource) AveragePrice(ctx context.Context, date time.Time) (float64, error) {
	args := m.Called(ctx, date)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Error(1)
	}
	return 0, nil
}

func (m *MockSource) CurrentPrice(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Error(1)
	}
	return 0, nil
}
