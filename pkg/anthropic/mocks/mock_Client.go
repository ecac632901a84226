// Package mocks provides test doubles for the anthropic client.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	anthropic "github.com/wemdio/lead-scanner/pkg/anthropic"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Complete provides a mock function with given fields: ctx, req
func (_m *MockClient) Complete(ctx context.Context, req anthropic.Request) (*anthropic.Response, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Complete")
	}

	if rf, ok := ret.Get(0).(func(context.Context, anthropic.Request) (*anthropic.Response, error)); ok {
		return rf(ctx, req)
	}

	var r0 *anthropic.Response
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*anthropic.Response)
	}
	return r0, ret.Error(1)
}

// NewMockClient creates a MockClient that asserts its expectations on
// cleanup.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
