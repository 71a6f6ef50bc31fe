package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/BearBump/ParcelSync/internal/services/scheduler"
)

type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) SyncAll(ctx context.Context) (*scheduler.Report, error) {
	args := m.Called(ctx)
	var rep *scheduler.Report
	if v := args.Get(0); v != nil {
		rep = v.(*scheduler.Report)
	}
	return rep, args.Error(1)
}

func (m *MockSyncer) SyncOne(ctx context.Context, trackingNumber string) (scheduler.PackageResult, error) {
	args := m.Called(ctx, trackingNumber)
	return args.Get(0).(scheduler.PackageResult), args.Error(1)
}
