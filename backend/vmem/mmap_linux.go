// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

//go:build linux

package vmem

import "golang.org/x/sys/unix"

// PageSize returns the granularity of the kernel's page mapping.
func PageSize() int {
	return unix.Getpagesize()
}

// mapAnonymous reserves a private anonymous range. Pages are populated
// eagerly so fresh blocks do not raise missing-page faults once armed.
func mapAnonymous(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

func decommit(mem []byte) error {
	return unix.Madvise(mem, unix.MADV_DONTNEED)
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
