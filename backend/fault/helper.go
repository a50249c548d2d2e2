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
	"os/exec"
	"sync"

	"github.com/XinShuoWang/sort/backend/regions"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/moby/sys/reexec"
)

const (
	// helperName is the name the fault helper is registered under with
	// reexec.
	helperName = "bufmgr-fault-helper"
	// helperEnv is set in the environment of the helper process.
	helperEnv = "BUFMGR_FAULT_HELPER"
)

const (
	ErrHelperExited  = common.ConstError("fault helper exited")
	ErrHelperRequest = common.ConstError("fault helper rejected request")
)

func init() {
	reexec.Register(helperName, runHelper)
}

// pageOps completes faults by populating or waking pages of the faulting
// process.
type pageOps interface {
	copy(dst uintptr, src []byte) error
	zeroPage(start uintptr, length uint64) error
	wake(start uintptr, length uint64) error
}

type operation int

const (
	opStats operation = iota
	opAddRegion
	opRemoveRegion
	opPublish
	opWithdraw
	opRestored
	opStop
)

// request is sent by the owning process to the helper.
type request struct {
	Op     operation
	Region regions.Region
	Block  vmem.BlockID
	Path   string
}

type response struct {
	Error    string
	Stats    Stats
	Health   string
	Restored bool
}

// helper is the owning process' handle on a running helper process. Calls
// are served one at a time.
type helper struct {
	cmd  *exec.Cmd
	conn io.ReadWriteCloser

	mutex   sync.Mutex
	encoder *gob.Encoder
	decoder *gob.Decoder

	exited chan struct{}
	err    error // exit status, valid once exited is closed
}

func newHelper(cmd *exec.Cmd, conn io.ReadWriteCloser) *helper {
	h := &helper{
		cmd:     cmd,
		conn:    conn,
		encoder: gob.NewEncoder(conn),
		decoder: gob.NewDecoder(conn),
		exited:  make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.exited)
	}()
	return h
}

func (h *helper) call(req request) (response, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if err := h.encoder.Encode(req); err != nil {
		return response{}, fmt.Errorf("failed to send request to fault helper: %w", err)
	}
	var res response
	if err := h.decoder.Decode(&res); err != nil {
		return response{}, fmt.Errorf("failed to receive response of fault helper: %w", err)
	}
	if res.Error != "" {
		return res, fmt.Errorf("%w: %s", ErrHelperRequest, res.Error)
	}
	return res, nil
}

// stop asks the helper to complete pending faults and exit. The helper is
// killed if it cannot be reached.
func (h *helper) stop() (Stats, error) {
	res, err := h.call(request{Op: opStop})
	if err != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.exited
	var exitErr error
	if h.err != nil {
		exitErr = fmt.Errorf("%w: %w", ErrHelperExited, h.err)
	}
	return res.Stats, errors.Join(err, exitErr, h.conn.Close())
}
