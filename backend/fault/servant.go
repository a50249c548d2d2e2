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
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/XinShuoWang/sort/backend/regions"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is the number of bytes restored per fault event.
const DefaultWindow = 64 << 10

const (
	ErrUnavailable   = common.ConstError("fault notification is unavailable")
	ErrNotRunning    = common.ConstError("fault servant is not running")
	ErrInvalidWindow = common.ConstError("invalid fault window")
	ErrFaultFailed   = common.ConstError("fault could not be served")
	ErrNotReexecuted = common.ConstError("fault helper did not start, reexec.Init must be called first in main")

	// errPagePresent is reported by the channel if a target page has been
	// populated already.
	errPagePresent = common.ConstError("page is already present")
)

// State is the life-cycle state of a Servant.
type State int

const (
	Initialized State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Servant.
type Config struct {
	// Window is the number of bytes restored per fault. It needs to be a
	// multiple of the OS page size; zero selects DefaultWindow.
	Window uint64
	// Logger receives diagnostic output; nil selects the standard logger.
	Logger *logrus.Entry
}

// Stats summarizes the faults served by a Servant.
type Stats struct {
	Faults        uint64 // fault events received
	ZeroFills     uint64 // faults completed with zero pages
	Errors        uint64 // faults that could not be resolved or recovered
	Fallbacks     uint64 // windows reduced to the faulting page
	RestoredBytes uint64 // bytes copied into faulting ranges
}

// Servant restores released pages of registered blocks on their next
// access, using the spill files published to it.
//
// Faults are served by a helper process started from the running
// executable. A thread of this process blocked on a fault is resumed
// without any involvement of the Go runtime of this process, so faults
// raised while the runtime is stopped for garbage collection, or while all
// processors are busy, are served all the same. Programs creating a Servant
// need to call reexec.Init first thing in main.
//
// If the helper dies, the fault channel is closed. Released pages then read
// as zero and the failure is reported through Health.
type Servant struct {
	regions  *regions.Index
	window   uint64
	pageSize uint64
	log      *logrus.Entry

	channel *channel
	helper  *helper

	mutex sync.Mutex // guards state, kernel registrations and helper calls
	state State

	healthMutex  sync.Mutex
	lastError    error
	lastStats    Stats
	helperHealth string
}

// NewServant opens the fault notification channel and starts the helper
// process serving it.
func NewServant(config Config) (*Servant, error) {
	if os.Getenv(helperEnv) != "" {
		return nil, ErrNotReexecuted
	}
	pageSize := uint64(vmem.PageSize())
	window := config.Window
	if window == 0 {
		window = DefaultWindow
	}
	if !common.IsAligned(window, pageSize) {
		return nil, fmt.Errorf("%w: %d is not a multiple of the page size %d", ErrInvalidWindow, window, pageSize)
	}
	log := config.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "fault")

	channel, err := openChannel()
	if err != nil {
		return nil, err
	}
	helper, err := startHelper(channel, window, log)
	if err != nil {
		return nil, errors.Join(err, channel.close())
	}
	if _, err := helper.call(request{Op: opStats}); err != nil {
		_, stopErr := helper.stop()
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrNotReexecuted, err), stopErr, channel.close())
	}

	s := &Servant{
		regions:  regions.NewIndex(),
		window:   window,
		pageSize: pageSize,
		log:      log,
		channel:  channel,
		helper:   helper,
		state:    Running,
	}
	go s.watch()
	s.log.WithFields(logrus.Fields{"window": window, "helper": helper.cmd.Process.Pid}).Info("fault servant started")
	return s, nil
}

// watch closes the fault channel if the helper exits without being asked
// to, so threads blocked on a fault are released.
func (s *Servant) watch() {
	<-s.helper.exited
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Running {
		return
	}
	s.state = Stopped
	s.fail(fmt.Errorf("%w: %v", ErrHelperExited, s.helper.err))
	if err := s.channel.close(); err != nil {
		s.log.WithError(err).Warn("failed to close fault channel")
	}
}

// State returns the current life-cycle state.
func (s *Servant) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Register arms fault notification for the block's range. Pages of the
// range that are released afterwards are restored from the block's
// published spill file on their next access. Registering a block again has
// no effect.
func (s *Servant) Register(block *vmem.Block) error {
	addr, err := block.Address()
	if err != nil {
		return err
	}
	region := regions.Region{Start: addr, Length: block.Size(), Block: block.ID()}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Running {
		return ErrNotRunning
	}
	if existing, err := s.regions.FindOwner(addr); err == nil && existing == region {
		return nil
	}
	if err := s.regions.Add(region); err != nil {
		return err
	}
	// The helper needs to know the region before the first fault arrives.
	if _, err := s.helper.call(request{Op: opAddRegion, Region: region}); err != nil {
		s.regions.Remove(region.Start)
		return fmt.Errorf("failed to register block %d: %w", block.ID(), err)
	}
	if err := s.channel.register(region.Start, region.Length); err != nil {
		s.regions.Remove(region.Start)
		_, removeErr := s.helper.call(request{Op: opRemoveRegion, Region: region})
		return errors.Join(fmt.Errorf("failed to register block %d: %w", block.ID(), err), removeErr)
	}
	s.log.WithFields(logrus.Fields{"block": block.ID(), "size": block.Size()}).Debug("registered block")
	return nil
}

// Unregister drops the range starting at, or containing, addr. It reports
// whether a registered range was found. The kernel registration is removed
// on a best-effort basis; it vanishes anyway once the range is unmapped.
func (s *Servant) Unregister(addr uintptr, size uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	region, err := s.regions.FindOwner(addr)
	if err != nil {
		return false
	}
	s.regions.Remove(addr)
	if s.state != Running {
		return true
	}
	if err := s.channel.unregister(region.Start, size); err != nil {
		s.log.WithError(err).WithField("block", region.Block).Warn("failed to unregister range")
	}
	if _, err := s.helper.call(request{Op: opRemoveRegion, Region: region}); err != nil {
		s.log.WithError(err).WithField("block", region.Block).Warn("failed to drop range from fault helper")
	}
	return true
}

// Publish announces that the content of the block is held by the spill
// file at path. It fails if faults are no longer served, so that the
// caller keeps the block's pages.
func (s *Servant) Publish(id vmem.BlockID, path string) error {
	_, err := s.call(request{Op: opPublish, Block: id, Path: path})
	return err
}

// Withdraw revokes the spill file of the block. Once it returns, the
// helper no longer reads the file.
func (s *Servant) Withdraw(id vmem.BlockID) error {
	_, err := s.call(request{Op: opWithdraw, Block: id})
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Restored reports whether a fault has been served from the block's
// current spill file.
func (s *Servant) Restored(id vmem.BlockID) (bool, error) {
	res, err := s.call(request{Op: opRestored, Block: id})
	return res.Restored, err
}

func (s *Servant) call(req request) (response, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Running {
		return response{}, ErrNotRunning
	}
	return s.helper.call(req)
}

// refresh fetches the counters of the helper. While the helper is not
// running, the last known counters are kept.
func (s *Servant) refresh() {
	res, err := s.call(request{Op: opStats})
	if errors.Is(err, ErrNotRunning) {
		return
	}
	if err != nil {
		s.fail(err)
		return
	}
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.lastStats = res.Stats
	s.helperHealth = res.Health
}

// Stats returns a snapshot of the fault counters.
func (s *Servant) Stats() Stats {
	s.refresh()
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	return s.lastStats
}

// Health returns the last error encountered while serving faults, or nil
// if all faults were served as expected.
func (s *Servant) Health() error {
	s.refresh()
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	if s.lastError != nil {
		return s.lastError
	}
	if s.helperHealth != "" {
		return fmt.Errorf("%w: %s", ErrFaultFailed, s.helperHealth)
	}
	return nil
}

// Stop ends serving faults. Faults already received are completed first.
// Subsequent calls have no effect.
func (s *Servant) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Running {
		return nil
	}
	stats, err := s.helper.stop()
	s.state = Stopped
	if err == nil {
		s.healthMutex.Lock()
		s.lastStats = stats
		s.healthMutex.Unlock()
	}
	s.log.WithFields(logrus.Fields{
		"faults": stats.Faults,
		"errors": stats.Errors,
	}).Info("fault servant stopped")
	return errors.Join(err, s.channel.close())
}

func (s *Servant) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(0)
	mf.AddChild("regions", s.regions.GetMemoryFootprint())
	return mf
}

func (s *Servant) fail(err error) {
	s.healthMutex.Lock()
	s.lastError = err
	s.healthMutex.Unlock()
	s.log.WithError(err).Error("fault servant failure")
}
