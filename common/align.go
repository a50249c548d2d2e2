// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import "golang.org/x/exp/constraints"

// RoundUp rounds value up to the next multiple of granularity. The
// granularity must be positive; it does not need to be a power of two.
func RoundUp[T constraints.Integer](value, granularity T) T {
	if rest := value % granularity; rest != 0 {
		return value + granularity - rest
	}
	return value
}

// RoundDown rounds value down to the previous multiple of granularity.
func RoundDown[T constraints.Integer](value, granularity T) T {
	return value - value%granularity
}

// IsAligned checks whether value is a multiple of granularity.
func IsAligned[T constraints.Integer](value, granularity T) bool {
	return value%granularity == 0
}
