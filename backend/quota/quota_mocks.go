// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package quota

import (
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"
)

// MockEvictor is a mock of Evictor interface.
type MockEvictor struct {
	ctrl     *gomock.Controller
	recorder *MockEvictorMockRecorder
}

// MockEvictorMockRecorder is the mock recorder for MockEvictor.
type MockEvictorMockRecorder struct {
	mock *MockEvictor
}

// NewMockEvictor creates a new mock instance.
func NewMockEvictor(ctrl *gomock.Controller) *MockEvictor {
	mock := &MockEvictor{ctrl: ctrl}
	mock.recorder = &MockEvictorMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockEvictor) EXPECT() *MockEvictorMockRecorder {
	return m.recorder
}

// Evict mocks base method.
func (m *MockEvictor) Evict(target uint64) (uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Evict", target)
	ret0, _ := ret[0].(uint64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Evict indicates an expected call of Evict.
func (mr *MockEvictorMockRecorder) Evict(target any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Evict", reflect.TypeOf((*MockEvictor)(nil).Evict), target)
}
