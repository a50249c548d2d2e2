package main

import (
	"fmt"
	"math/rand"
	"slices"
	"unsafe"

	"github.com/XinShuoWang/sort/bufmgr"
	"github.com/XinShuoWang/sort/common/interrupt"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	epochsFlag = cli.IntFlag{
		Name:  "epochs",
		Usage: "number of buffers to sort",
		Value: 4,
	}
	blockSizeFlag = cli.StringFlag{
		Name:  "block-size",
		Usage: "size of each sorted buffer",
		Value: "256MiB",
	}
	samplesFlag = cli.IntFlag{
		Name:  "samples",
		Usage: "number of values printed per buffer after verification",
		Value: 8,
	}
)

var sortCommand = cli.Command{
	Action: runSort,
	Name:   "sort",
	Usage:  "sorts buffers of random numbers, spills them and verifies them after restoring",
	Flags: append([]cli.Flag{
		&epochsFlag,
		&blockSizeFlag,
		&samplesFlag,
	}, managerFlags...),
}

func runSort(ctx *cli.Context) (err error) {
	blockSize, err := humanize.ParseBytes(ctx.String(blockSizeFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid block size: %w", err)
	}
	manager, closeManager, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = joinClose(err, closeManager())
	}()

	interrupted := interrupt.Register(ctx.Context, nil)
	epochs := ctx.Int(epochsFlag.Name)
	buffers := make([]*bufmgr.Buffer, 0, epochs)
	defer func() {
		for _, buffer := range buffers {
			err = joinClose(err, buffer.Release())
		}
	}()
	for epoch := range epochs {
		if err := interrupt.Check(interrupted); err != nil {
			return err
		}
		buffer, err := manager.AcquireMemory(blockSize)
		if err != nil {
			return err
		}
		buffers = append(buffers, buffer)
		numbers, err := asInt64s(buffer)
		if err != nil {
			return err
		}
		r := rand.New(rand.NewSource(int64(epoch)))
		for i := range numbers {
			numbers[i] = r.Int63()
		}

		logrus.Infof("sorting %d numbers, resident memory is %s", len(numbers), residentMemory())
		slices.Sort(numbers)

		if err := manager.InvalidateMemory(buffer); err != nil {
			return err
		}
		logrus.Infof("sorted buffer %d spilled, resident memory is %s", buffer.ID(), residentMemory())
	}

	// Restore all buffers concurrently; faults are served one at a time.
	samples := make([][]int64, len(buffers))
	var group errgroup.Group
	for i, buffer := range buffers {
		group.Go(func() error {
			numbers, err := asInt64s(buffer)
			if err != nil {
				return err
			}
			if !slices.IsSorted(numbers) {
				return fmt.Errorf("buffer %d is not sorted after restore", buffer.ID())
			}
			count := min(ctx.Int(samplesFlag.Name), len(numbers))
			for j := range count {
				samples[i] = append(samples[i], numbers[j*len(numbers)/count])
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := interrupt.Check(interrupted); err != nil {
		return err
	}
	for i, sample := range samples {
		fmt.Printf("buffer %d: %v\n", buffers[i].ID(), sample)
	}

	stats := manager.FaultStats()
	logrus.WithFields(logrus.Fields{
		"faults":   stats.Faults,
		"restored": humanize.IBytes(stats.RestoredBytes),
		"resident": residentMemory(),
	}).Info("verification done")
	return manager.Health()
}

// asInt64s interprets the buffer's memory as a slice of int64 values.
func asInt64s(buffer *bufmgr.Buffer) ([]int64, error) {
	data, err := buffer.Bytes()
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/8), nil
}

// joinClose combines the result of a command with a failure to clean up.
// The first error is reported; later ones are logged.
func joinClose(err, closeErr error) error {
	if closeErr == nil {
		return err
	}
	if err == nil {
		return closeErr
	}
	logrus.WithError(closeErr).Error("failed to clean up")
	return err
}
