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
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/moby/sys/reexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// File descriptors handed to the helper process, following stdin, stdout
// and stderr.
const (
	helperUffdFd    = 3
	helperControlFd = 4
)

// startHelper launches the helper process serving the faults reported by
// the given channel. The helper shares the channel's userfaultfd and is
// controlled through a socket pair.
func startHelper(c *channel, window uint64, log *logrus.Entry) (*helper, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create fault helper connection: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), "fault-control")
	remote := os.NewFile(uintptr(fds[1]), "fault-control-helper")
	defer remote.Close()

	uffd, err := unix.FcntlInt(uintptr(c.uffd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to duplicate userfaultfd: %w", err)
	}
	uffdFile := os.NewFile(uintptr(uffd), "userfaultfd")
	defer uffdFile.Close()

	cmd := reexec.Command(helperName, strconv.FormatUint(window, 10), log.Logger.GetLevel().String())
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{uffdFile, remote}
	if err := cmd.Start(); err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to start fault helper: %w", err)
	}
	log.WithField("pid", cmd.Process.Pid).Debug("fault helper started")
	return newHelper(cmd, local), nil
}

// runHelper is the entry point of the helper process.
func runHelper() {
	log := logrus.NewEntry(logrus.StandardLogger()).WithFields(logrus.Fields{
		"component": "fault",
		"pid":       os.Getpid(),
	})
	if err := serveHelper(os.Args[1:], log); err != nil {
		log.WithError(err).Error("fault helper failed")
		os.Exit(1)
	}
}

func serveHelper(args []string, log *logrus.Entry) error {
	if len(args) != 2 {
		return fmt.Errorf("unexpected fault helper arguments %q", args)
	}
	window, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	level, err := logrus.ParseLevel(args[1])
	if err != nil {
		return err
	}
	log.Logger.SetLevel(level)

	// The descriptor is switched to blocking mode while being handed over.
	if err := unix.SetNonblock(helperUffdFd, true); err != nil {
		return fmt.Errorf("failed to configure userfaultfd: %w", err)
	}
	c := &channel{uffd: helperUffdFd}
	defer c.close()
	stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("failed to create stop channel: %w", err)
	}
	defer unix.Close(stop)
	conn := os.NewFile(helperControlFd, "fault-control")
	defer conn.Close()

	srv := newServer(c, window, log)
	served := make(chan struct{})
	controlled := make(chan error, 1)
	go func() {
		controlled <- srv.control(conn, stop, served)
	}()
	log.WithField("window", window).Debug("fault helper serving")
	err = srv.serve(c, stop)
	close(served)
	if err != nil {
		return err
	}
	return <-controlled
}

// control answers requests of the owning process until it asks to stop or
// goes away. In both cases the fault loop is stopped after it completed
// the pending faults.
func (s *server) control(conn io.ReadWriter, stop int, served <-chan struct{}) error {
	decoder := gob.NewDecoder(conn)
	encoder := gob.NewEncoder(conn)
	halt := func() error {
		if err := signalStop(stop); err != nil {
			return fmt.Errorf("failed to signal fault loop: %w", err)
		}
		<-served
		return nil
	}
	for {
		var req request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return halt()
			}
			return errors.Join(fmt.Errorf("failed to receive request: %w", err), halt())
		}
		if req.Op == opStop {
			if err := halt(); err != nil {
				return err
			}
			stats, health := s.snapshot()
			return encoder.Encode(response{Stats: stats, Health: health})
		}
		if err := encoder.Encode(s.apply(req)); err != nil {
			return errors.Join(fmt.Errorf("failed to send response: %w", err), halt())
		}
	}
}
