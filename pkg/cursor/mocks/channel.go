package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/eigerco/kvclient/pkg/kv"
)

// MockChannel implements cursor.Channel for testing
type MockChannel struct {
	mock.Mock
}

func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

func (m *MockChannel) FetchNextPage(ctx context.Context, id kv.IteratorID) (kv.RawPage, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(kv.RawPage), args.Error(1)
}

func (m *MockChannel) CloseHandle(ctx context.Context, id kv.IteratorID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
