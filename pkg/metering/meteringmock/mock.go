package meteringmock

import (
	"context"

	"github.com/aquacost/aquacost/pkg/metering"
	"github.com/aquacost/aquacost/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ metering.Client = (*MockClient)(nil)

func (m *MockClient) Data(ctx context.Context, q metering.DataQuery) ([]types.NodeData, error) {
	args := m.Called(ctx, q)
	if len(args) > 0 {
		return args.Get(0).([]types.NodeData), args.Error(1)
	}
	return nil, nil
}

func (m *MockClient) BillingResults(ctx context.Context, startFrom, startTo int64) ([]types.BillingPeriod, error) {
	args := m.Called(ctx, startFrom, startTo)
	if len(args) > 0 {
		return args.Get(0).([]types.BillingPeriod), args.Error(1)
	}
	return nil, nil
}

func (m *MockClient) Installations(ctx context.Context) ([]types.Installation, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Installation), args.Error(1)
	}
	return nil, nil
}

func (m *MockClient) Setting(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	if len(args) > 0 {
		return args.String(0), args.Error(1)
	}
	return "", nil
}

func (m *MockClient) LatestReception(ctx context.Context) ([]types.ReceptionStatus, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.ReceptionStatus), args.Error(1)
	}
	return nil, nil
}
