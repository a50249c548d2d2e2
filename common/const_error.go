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

// ConstError is a error type that can be used to define immutable
// error constants. Components of the buffer manager declare their error
// kinds as ConstError values and wrap them with context using %w, so callers
// can classify failures with errors.Is.
type ConstError string

func (e ConstError) Error() string {
	return string(e)
}

// ErrUnsupportedPlatform is reported by components depending on Linux
// specific kernel facilities when built for another platform.
const ErrUnsupportedPlatform = ConstError("operation not supported on this platform")
