// Package mocks provides test doubles for the store.
package mocks

import (
	"context"
	"time"

	model "github.com/sells-group/nurture-cli/internal/model"
	store "github.com/sells-group/nurture-cli/internal/store"
	mock "github.com/stretchr/testify/mock"
)

// MockStore is a mock type for the Store interface.
type MockStore struct {
	mock.Mock
}

// InsertLeads provides a mock function with given fields: ctx, leads
func (_m *MockStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	ret := _m.Called(ctx, leads)

	if len(ret) == 0 {
		panic("no return value specified for InsertLeads")
	}

	var r0 int
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, []model.Lead) (int, error)); ok {
		return rf(ctx, leads)
	}
	if rf, ok := ret.Get(0).(func(context.Context, []model.Lead) int); ok {
		r0 = rf(ctx, leads)
	} else {
		r0 = ret.Get(0).(int)
	}

	if rf, ok := ret.Get(1).(func(context.Context, []model.Lead) error); ok {
		r1 = rf(ctx, leads)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GetLead provides a mock function with given fields: ctx, id
func (_m *MockStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	ret := _m.Called(ctx, id)

	if len(ret) == 0 {
		panic("no return value specified for GetLead")
	}

	var r0 *model.Lead
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*model.Lead, error)); ok {
		return rf(ctx, id)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) *model.Lead); ok {
		r0 = rf(ctx, id)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*model.Lead)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, id)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// ListLeads provides a mock function with given fields: ctx, filter
func (_m *MockStore) ListLeads(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error) {
	ret := _m.Called(ctx, filter)

	if len(ret) == 0 {
		panic("no return value specified for ListLeads")
	}

	var r0 []model.Lead
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, store.LeadFilter) ([]model.Lead, error)); ok {
		return rf(ctx, filter)
	}
	if rf, ok := ret.Get(0).(func(context.Context, store.LeadFilter) []model.Lead); ok {
		r0 = rf(ctx, filter)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]model.Lead)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, store.LeadFilter) error); ok {
		r1 = rf(ctx, filter)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// ListUnclaimed provides a mock function with given fields: ctx
func (_m *MockStore) ListUnclaimed(ctx context.Context) ([]model.Lead, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for ListUnclaimed")
	}

	var r0 []model.Lead
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context) ([]model.Lead, error)); ok {
		return rf(ctx)
	}
	if rf, ok := ret.Get(0).(func(context.Context) []model.Lead); ok {
		r0 = rf(ctx)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]model.Lead)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context) error); ok {
		r1 = rf(ctx)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// ClaimLeads provides a mock function with given fields: ctx, ids
func (_m *MockStore) ClaimLeads(ctx context.Context, ids []string) ([]string, error) {
	ret := _m.Called(ctx, ids)

	if len(ret) == 0 {
		panic("no return value specified for ClaimLeads")
	}

	var r0 []string
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, []string) ([]string, error)); ok {
		return rf(ctx, ids)
	}
	if rf, ok := ret.Get(0).(func(context.Context, []string) []string); ok {
		r0 = rf(ctx, ids)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]string)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, []string) error); ok {
		r1 = rf(ctx, ids)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// UpdateLead provides a mock function with given fields: ctx, id, u
func (_m *MockStore) UpdateLead(ctx context.Context, id string, u model.LeadUpdate) error {
	ret := _m.Called(ctx, id, u)

	if len(ret) == 0 {
		panic("no return value specified for UpdateLead")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string, model.LeadUpdate) error); ok {
		r0 = rf(ctx, id, u)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// MarkSent provides a mock function with given fields: ctx, id, mail
func (_m *MockStore) MarkSent(ctx context.Context, id string, mail int) error {
	ret := _m.Called(ctx, id, mail)

	if len(ret) == 0 {
		panic("no return value specified for MarkSent")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string, int) error); ok {
		r0 = rf(ctx, id, mail)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// LoadCursor provides a mock function with given fields: ctx
func (_m *MockStore) LoadCursor(ctx context.Context) (model.Cursor, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for LoadCursor")
	}

	var r0 model.Cursor
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context) (model.Cursor, error)); ok {
		return rf(ctx)
	}
	if rf, ok := ret.Get(0).(func(context.Context) model.Cursor); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Get(0).(model.Cursor)
	}

	if rf, ok := ret.Get(1).(func(context.Context) error); ok {
		r1 = rf(ctx)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// SaveCursor provides a mock function with given fields: ctx, c
func (_m *MockStore) SaveCursor(ctx context.Context, c model.Cursor) error {
	ret := _m.Called(ctx, c)

	if len(ret) == 0 {
		panic("no return value specified for SaveCursor")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, model.Cursor) error); ok {
		r0 = rf(ctx, c)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// ResetCursor provides a mock function with given fields: ctx
func (_m *MockStore) ResetCursor(ctx context.Context) error {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for ResetCursor")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// RecordSend provides a mock function with given fields: ctx, rec
func (_m *MockStore) RecordSend(ctx context.Context, rec model.SendRecord) error {
	ret := _m.Called(ctx, rec)

	if len(ret) == 0 {
		panic("no return value specified for RecordSend")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, model.SendRecord) error); ok {
		r0 = rf(ctx, rec)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// ListSends provides a mock function with given fields: ctx, leadID, limit
func (_m *MockStore) ListSends(ctx context.Context, leadID string, limit int) ([]model.SendRecord, error) {
	ret := _m.Called(ctx, leadID, limit)

	if len(ret) == 0 {
		panic("no return value specified for ListSends")
	}

	var r0 []model.SendRecord
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, int) ([]model.SendRecord, error)); ok {
		return rf(ctx, leadID, limit)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, int) []model.SendRecord); ok {
		r0 = rf(ctx, leadID, limit)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]model.SendRecord)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, int) error); ok {
		r1 = rf(ctx, leadID, limit)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// PruneSends provides a mock function with given fields: ctx, before
func (_m *MockStore) PruneSends(ctx context.Context, before time.Time) (int, error) {
	ret := _m.Called(ctx, before)

	if len(ret) == 0 {
		panic("no return value specified for PruneSends")
	}

	var r0 int
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, time.Time) (int, error)); ok {
		return rf(ctx, before)
	}
	if rf, ok := ret.Get(0).(func(context.Context, time.Time) int); ok {
		r0 = rf(ctx, before)
	} else {
		r0 = ret.Get(0).(int)
	}

	if rf, ok := ret.Get(1).(func(context.Context, time.Time) error); ok {
		r1 = rf(ctx, before)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Ping provides a mock function with given fields: ctx
func (_m *MockStore) Ping(ctx context.Context) error {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Ping")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Migrate provides a mock function with given fields: ctx
func (_m *MockStore) Migrate(ctx context.Context) error {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Migrate")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Close provides a mock function with no fields
func (_m *MockStore) Close() error {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Close")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func() error); ok {
		r0 = rf()
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewMockStore creates a new instance of MockStore.
func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	mock := &MockStore{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}

var _ store.Store = (*MockStore)(nil)
