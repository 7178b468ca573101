// Package mocks provides test doubles for the mail transport.
package mocks

import (
	"context"

	mail "github.com/sells-group/nurture-cli/internal/mail"
	mock "github.com/stretchr/testify/mock"
)

// MockTransport is a mock type for the Transport interface.
type MockTransport struct {
	mock.Mock
}

// Send provides a mock function with given fields: ctx, msg
func (_m *MockTransport) Send(ctx context.Context, msg mail.Outgoing) error {
	ret := _m.Called(ctx, msg)

	if len(ret) == 0 {
		panic("no return value specified for Send")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, mail.Outgoing) error); ok {
		r0 = rf(ctx, msg)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewMockTransport creates a new instance of MockTransport.
func NewMockTransport(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTransport {
	mock := &MockTransport{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
