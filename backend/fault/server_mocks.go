// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package fault

import (
	reflect "reflect"

	vmem "github.com/XinShuoWang/sort/backend/vmem"
	gomock "go.uber.org/mock/gomock"
)

// MockRecoverer is a mock of Recoverer interface.
type MockRecoverer struct {
	ctrl     *gomock.Controller
	recorder *MockRecovererMockRecorder
}

// MockRecovererMockRecorder is the mock recorder for MockRecoverer.
type MockRecovererMockRecorder struct {
	mock *MockRecoverer
}

// NewMockRecoverer creates a new mock instance.
func NewMockRecoverer(ctrl *gomock.Controller) *MockRecoverer {
	mock := &MockRecoverer{ctrl: ctrl}
	mock.recorder = &MockRecovererMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockRecoverer) EXPECT() *MockRecovererMockRecorder {
	return m.recorder
}

// HasRecord mocks base method.
func (m *MockRecoverer) HasRecord(id vmem.BlockID) bool {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "HasRecord", id)
	ret0, _ := ret[0].(bool)
	return ret0
}

// HasRecord indicates an expected call of HasRecord.
func (mr *MockRecovererMockRecorder) HasRecord(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "HasRecord", reflect.TypeOf((*MockRecoverer)(nil).HasRecord), id)
}

// Recover mocks base method.
func (m *MockRecoverer) Recover(id vmem.BlockID, offset uint64, dst []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Recover", id, offset, dst)
	ret0, _ := ret[0].(error)
	return ret0
}

// Recover indicates an expected call of Recover.
func (mr *MockRecovererMockRecorder) Recover(id, offset, dst any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Recover", reflect.TypeOf((*MockRecoverer)(nil).Recover), id, offset, dst)
}
