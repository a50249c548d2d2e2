// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

//go:build !linux

package fault

import (
	"os"

	"github.com/XinShuoWang/sort/common"
	"github.com/sirupsen/logrus"
)

type channel struct{}

func openChannel() (*channel, error) {
	return nil, common.ErrUnsupportedPlatform
}

func (*channel) register(uintptr, uint64) error   { return common.ErrUnsupportedPlatform }
func (*channel) unregister(uintptr, uint64) error { return common.ErrUnsupportedPlatform }
func (*channel) copy(uintptr, []byte) error       { return common.ErrUnsupportedPlatform }
func (*channel) zeroPage(uintptr, uint64) error   { return common.ErrUnsupportedPlatform }
func (*channel) wake(uintptr, uint64) error       { return common.ErrUnsupportedPlatform }
func (*channel) close() error                     { return nil }

func startHelper(*channel, uint64, *logrus.Entry) (*helper, error) {
	return nil, common.ErrUnsupportedPlatform
}

func runHelper() {
	logrus.WithField("component", "fault").Error(common.ErrUnsupportedPlatform)
	os.Exit(1)
}
