// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package interrupt

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/XinShuoWang/sort/common"
	"github.com/sirupsen/logrus"
)

const ErrCanceled = common.ConstError("interrupted")

// IsCancelled checks whether the context has been cancelled without
// blocking.
func IsCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Register derives a context which is cancelled on SIGINT or SIGTERM. The
// caller is expected to wind down and release its buffers, so spill files
// are removed before the process exits.
func Register(parent context.Context, log *logrus.Entry) context.Context {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.WithField("signal", sig).Warn("interrupted, releasing buffers and removing spill files")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// Check returns ErrCanceled if the context has been cancelled.
func Check(ctx context.Context) error {
	if IsCancelled(ctx) {
		return ErrCanceled
	}
	return nil
}
