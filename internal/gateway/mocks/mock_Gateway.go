// Package mocks provides test doubles for the generation gateway.
package mocks

import (
	"context"

	gateway "github.com/sells-group/nurture-cli/internal/gateway"
	model "github.com/sells-group/nurture-cli/internal/model"
	mock "github.com/stretchr/testify/mock"
)

// MockGateway is a mock type for the Gateway interface.
type MockGateway struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, p
func (_m *MockGateway) Generate(ctx context.Context, p gateway.Prompt) model.GenerationResult {
	ret := _m.Called(ctx, p)

	if len(ret) == 0 {
		panic("no return value specified for Generate")
	}

	var r0 model.GenerationResult
	if rf, ok := ret.Get(0).(func(context.Context, gateway.Prompt) model.GenerationResult); ok {
		r0 = rf(ctx, p)
	} else {
		r0 = ret.Get(0).(model.GenerationResult)
	}

	return r0
}

// GenerateBatch provides a mock function with given fields: ctx, prompts
func (_m *MockGateway) GenerateBatch(ctx context.Context, prompts []gateway.Prompt) []model.GenerationResult {
	ret := _m.Called(ctx, prompts)

	if len(ret) == 0 {
		panic("no return value specified for GenerateBatch")
	}

	var r0 []model.GenerationResult
	if rf, ok := ret.Get(0).(func(context.Context, []gateway.Prompt) []model.GenerationResult); ok {
		r0 = rf(ctx, prompts)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]model.GenerationResult)
		}
	}

	return r0
}

// Ready provides a mock function with no fields
func (_m *MockGateway) Ready() error {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Ready")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func() error); ok {
		r0 = rf()
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewMockGateway creates a new instance of MockGateway.
func NewMockGateway(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockGateway {
	mock := &MockGateway{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
