package main

import (
	"fmt"
	"math/rand"

	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/bufmgr"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var demoCommand = cli.Command{
	Action: runDemo,
	Name:   "demo",
	Usage:  "fills more pages than the quota admits and reads back a spilled one",
	Flags: []cli.Flag{
		&spillDirectoryFlag,
		&compressionFlag,
	},
}

func runDemo(ctx *cli.Context) (err error) {
	page := uint64(vmem.PageSize())
	quota := 4 * page
	config, err := readConfig(ctx)
	if err != nil {
		return err
	}
	config.QuotaBytes = quota
	config.BlockGranularity = page

	manager, err := bufmgr.New(config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := manager.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				logrus.WithError(closeErr).Error("failed to close buffer manager")
			}
		}
	}()

	logrus.Infof("demo start, quota is %s", humanize.IBytes(quota))
	buffers := []*bufmgr.Buffer{}
	for i := uint64(0); i < quota/page+2; i++ {
		buffer, err := manager.AcquireMemory(page)
		if err != nil {
			return err
		}
		data, err := buffer.Bytes()
		if err != nil {
			return err
		}
		for j := range data {
			data[j] = 'A' + byte(rand.Intn(26))
		}
		buffers = append(buffers, buffer)
		logrus.Infof("filled buffer %d, %s of %s in use", buffer.ID(), humanize.IBytes(manager.Used()), humanize.IBytes(quota))
	}

	// The first buffer has been spilled; reading it raises a fault.
	data, err := buffers[0].Bytes()
	if err != nil {
		return err
	}
	fmt.Printf("content of first buffer: %s\n", data[:100])
	stats := manager.FaultStats()
	logrus.WithFields(logrus.Fields{
		"faults":   stats.Faults,
		"restored": humanize.IBytes(stats.RestoredBytes),
		"spilled":  manager.SpillStats().FilesWritten,
	}).Info("demo end")

	for _, buffer := range buffers {
		if err := buffer.Release(); err != nil {
			return err
		}
	}
	return manager.Health()
}
