// Package mocks provides test doubles for the telegram client.
package mocks

import (
	"context"

	telegram "github.com/wemdio/lead-scanner/pkg/telegram"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SendMessage provides a mock function with given fields: ctx, msg
func (_m *MockClient) SendMessage(ctx context.Context, msg telegram.SendMessageRequest) (*telegram.SentMessage, error) {
	ret := _m.Called(ctx, msg)

	if len(ret) == 0 {
		panic("no return value specified for SendMessage")
	}

	var r0 *telegram.SentMessage
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, telegram.SendMessageRequest) (*telegram.SentMessage, error)); ok {
		return rf(ctx, msg)
	}
	if rf, ok := ret.Get(0).(func(context.Context, telegram.SendMessageRequest) *telegram.SentMessage); ok {
		r0 = rf(ctx, msg)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*telegram.SentMessage)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, telegram.SendMessageRequest) error); ok {
		r1 = rf(ctx, msg)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
