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

package vmem

import (
	"os"

	"github.com/XinShuoWang/sort/common"
)

func PageSize() int {
	return os.Getpagesize()
}

func mapAnonymous(uint64) ([]byte, error) {
	return nil, common.ErrUnsupportedPlatform
}

func decommit([]byte) error {
	return common.ErrUnsupportedPlatform
}

func unmap([]byte) error {
	return common.ErrUnsupportedPlatform
}
