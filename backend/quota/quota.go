// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package quota

//go:generate mockgen -source quota.go -destination quota_mocks.go -package quota

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// evictionRounds is the number of evict-and-recheck cycles TryAcquire
// performs before refusing a request.
const evictionRounds = 3

// Evictor reclaims charged memory on request of the Controller.
type Evictor interface {
	// Evict releases at least target bytes if possible and reports the
	// number of charged bytes actually released.
	Evict(target uint64) (uint64, error)
}

// Controller tracks the bytes charged against a fixed budget. Requests
// exceeding the budget trigger evictions before they are refused.
//
// The ledger is protected by a single mutex, which is also held while the
// evictor runs. Evictors must thus not call back into the controller.
type Controller struct {
	budget  uint64
	evictor Evictor
	log     *logrus.Entry

	mutex sync.Mutex
	used  uint64
}

// NewController creates a controller enforcing the given budget. A nil
// logger selects the standard logger.
func NewController(budget uint64, evictor Evictor, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		budget:  budget,
		evictor: evictor,
		log:     log.WithField("component", "quota"),
	}
}

// TryAcquire charges size bytes if they fit into the budget, possibly after
// evicting other charged memory. It reports whether the charge was made.
// The used amount never exceeds the budget.
func (c *Controller) TryAcquire(size uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if size > c.budget {
		c.log.WithFields(logrus.Fields{"size": size, "budget": c.budget}).Debug("request exceeds budget")
		return false
	}
	for round := 0; ; round++ {
		if c.used+size <= c.budget {
			c.used += size
			return true
		}
		if round == evictionRounds || c.evictor == nil {
			break
		}
		shortfall := c.used + size - c.budget
		reclaimed, err := c.evictor.Evict(shortfall)
		if err != nil {
			c.log.WithError(err).Warn("eviction failed")
		}
		c.release(reclaimed)
		c.log.WithFields(logrus.Fields{
			"round":     round,
			"shortfall": shortfall,
			"reclaimed": reclaimed,
		}).Debug("evicted memory")
	}
	c.log.WithFields(logrus.Fields{
		"size":   size,
		"used":   c.used,
		"budget": c.budget,
	}).Debug("quota exhausted")
	return false
}

// Release hands back size previously acquired bytes. Callers must not
// release more than they acquired; excess releases are clamped at zero.
func (c *Controller) Release(size uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.release(size)
}

func (c *Controller) release(size uint64) {
	if size > c.used {
		c.log.WithFields(logrus.Fields{"size": size, "used": c.used}).Error("released more memory than acquired")
		c.used = 0
		return
	}
	c.used -= size
}

// Used returns the number of currently charged bytes.
func (c *Controller) Used() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.used
}

// Available returns the number of bytes that can be charged without eviction.
func (c *Controller) Available() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.budget - c.used
}

// Budget returns the configured budget.
func (c *Controller) Budget() uint64 {
	return c.budget
}
