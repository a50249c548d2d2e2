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
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Definitions of linux/userfaultfd.h not covered by x/sys/unix.
const (
	uffdAPI               = 0xAA
	uffdUserModeOnly      = 1
	uffdEventPagefault    = 0x12
	uffdRegisterModeMiss  = 1
	uffdMsgSize           = 32
	uffdMsgFaultAddrStart = 16

	uffdioAPIRequest        = 0xc018aa3f
	uffdioRegisterRequest   = 0xc020aa00
	uffdioUnregisterRequest = 0x8010aa01
	uffdioWakeRequest       = 0x8010aa02
	uffdioCopyRequest       = 0xc028aa03
	uffdioZeropageRequest   = 0xc020aa04
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start  uint64
	length uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst    uint64
	src    uint64
	length uint64
	mode   uint64
	copied int64
}

type uffdioZeropage struct {
	rng    uffdioRange
	mode   uint64
	zeroed int64
}

// channel wraps the userfaultfd delivering fault events. The owning
// process registers ranges with it while the helper process reads events
// and completes faults through its own descriptor of the same channel.
type channel struct {
	uffd      int
	closeOnce sync.Once
	closeErr  error
}

func openChannel() (*channel, error) {
	uffd, err := openUserfaultfd()
	if err != nil {
		return nil, err
	}
	api := uffdioAPI{api: uffdAPI}
	if err := ioctl(uffd, uffdioAPIRequest, unsafe.Pointer(&api)); err != nil {
		unix.Close(uffd)
		return nil, fmt.Errorf("%w: api handshake: %w", ErrUnavailable, err)
	}
	return &channel{uffd: uffd}, nil
}

func openUserfaultfd() (int, error) {
	flags := uintptr(unix.O_CLOEXEC | unix.O_NONBLOCK)
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, flags, 0, 0)
	if errno == unix.EPERM {
		// Unprivileged processes may only handle faults raised in user mode.
		fd, _, errno = unix.Syscall(unix.SYS_USERFAULTFD, flags|uffdUserModeOnly, 0, 0)
	}
	if errno != 0 {
		return -1, fmt.Errorf("%w: %w", ErrUnavailable, errno)
	}
	return int(fd), nil
}

func ioctl(fd int, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *channel) register(start uintptr, length uint64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(start), length: length},
		mode: uffdRegisterModeMiss,
	}
	return ioctl(c.uffd, uffdioRegisterRequest, unsafe.Pointer(&reg))
}

func (c *channel) unregister(start uintptr, length uint64) error {
	rng := uffdioRange{start: uint64(start), length: length}
	return ioctl(c.uffd, uffdioUnregisterRequest, unsafe.Pointer(&rng))
}

func (c *channel) copy(dst uintptr, src []byte) error {
	req := uffdioCopy{
		dst:    uint64(dst),
		src:    uint64(uintptr(unsafe.Pointer(&src[0]))),
		length: uint64(len(src)),
	}
	err := ioctl(c.uffd, uffdioCopyRequest, unsafe.Pointer(&req))
	runtime.KeepAlive(src)
	// EAGAIN signals a partial copy stopped by a present page.
	if errors.Is(err, unix.EEXIST) || errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("%w: %w", errPagePresent, err)
	}
	return err
}

func (c *channel) zeroPage(start uintptr, length uint64) error {
	req := uffdioZeropage{rng: uffdioRange{start: uint64(start), length: length}}
	err := ioctl(c.uffd, uffdioZeropageRequest, unsafe.Pointer(&req))
	if errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("%w: %w", errPagePresent, err)
	}
	return err
}

func (c *channel) wake(start uintptr, length uint64) error {
	rng := uffdioRange{start: uint64(start), length: length}
	return ioctl(c.uffd, uffdioWakeRequest, unsafe.Pointer(&rng))
}

// close releases the descriptor. Once no process holds the channel any
// longer, registered ranges fall back to plain anonymous memory and threads
// waiting on a fault are resumed.
func (c *channel) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.uffd)
	})
	return c.closeErr
}

func signalStop(fd int) error {
	var value [8]byte
	binary.NativeEndian.PutUint64(value[:], 1)
	_, err := unix.Write(fd, value[:])
	return err
}

// serve is the fault loop of the helper process. Pending fault events take
// precedence over the stop signal, so no fault already raised is abandoned.
func (s *server) serve(c *channel, stop int) error {
	messages := make([]byte, 16*uffdMsgSize)
	fds := []unix.PollFd{
		{Fd: int32(c.uffd), Events: unix.POLLIN},
		{Fd: int32(stop), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("failed to wait for fault events: %w", err)
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			n, err := unix.Read(c.uffd, messages)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					continue
				}
				return fmt.Errorf("failed to read fault events: %w", err)
			}
			for i := 0; i+uffdMsgSize <= n; i += uffdMsgSize {
				msg := messages[i : i+uffdMsgSize]
				if msg[0] != uffdEventPagefault {
					s.log.WithField("event", msg[0]).Debug("ignoring fault channel event")
					continue
				}
				addr := binary.NativeEndian.Uint64(msg[uffdMsgFaultAddrStart:])
				s.handleFault(uintptr(addr))
			}
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("fault channel failed with events %#x", fds[0].Revents)
		}
	}
}
