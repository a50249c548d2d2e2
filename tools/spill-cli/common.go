package main

import (
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/XinShuoWang/sort/backend/codec"
	"github.com/XinShuoWang/sort/bufmgr"
	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "one of panic, fatal, error, warn, info, debug, trace",
		Value: "info",
	}
	configFlag = cli.PathFlag{
		Name:  "config",
		Usage: "YAML file with the buffer manager configuration; flags take precedence",
	}
	spillDirectoryFlag = cli.PathFlag{
		Name:  "spill-dir",
		Usage: "directory receiving spilled buffers, removed on exit",
		Value: "./spill",
	}
	quotaFlag = cli.StringFlag{
		Name:  "quota",
		Usage: "memory quota, e.g. 64MiB; defaults to half of the system memory",
	}
	compressionFlag = cli.StringFlag{
		Name:  "compression",
		Usage: "codec for spilled buffers: none, zstd, lz4 or s2",
		Value: "none",
	}
	granularityFlag = cli.StringFlag{
		Name:  "granularity",
		Usage: "unit buffer sizes are rounded up to, e.g. 4KiB",
	}
	cpuProfileFlag = cli.PathFlag{
		Name:  "cpuprofile",
		Usage: "write a CPU profile to the given file",
	}
)

var managerFlags = []cli.Flag{
	&configFlag,
	&spillDirectoryFlag,
	&quotaFlag,
	&compressionFlag,
	&granularityFlag,
	&cpuProfileFlag,
}

func setupLogging(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// readConfig assembles the buffer manager configuration from the config
// file, if any, and the command line flags.
func readConfig(ctx *cli.Context) (bufmgr.Config, error) {
	var config bufmgr.Config
	if path := ctx.Path(configFlag.Name); path != "" {
		var err error
		if config, err = bufmgr.LoadConfig(path); err != nil {
			return config, err
		}
	}
	if config.SpillDirectory == "" || ctx.IsSet(spillDirectoryFlag.Name) {
		config.SpillDirectory = ctx.Path(spillDirectoryFlag.Name)
	}
	if ctx.IsSet(compressionFlag.Name) || config.Compression == codec.None {
		method, err := codec.ParseMethod(ctx.String(compressionFlag.Name))
		if err != nil {
			return config, err
		}
		config.Compression = method
	}
	if quota := ctx.String(quotaFlag.Name); quota != "" {
		bytes, err := humanize.ParseBytes(quota)
		if err != nil {
			return config, fmt.Errorf("invalid quota: %w", err)
		}
		config.QuotaBytes = bytes
	}
	if config.QuotaBytes == 0 {
		config.QuotaBytes = memory.TotalMemory() / 2
	}
	if granularity := ctx.String(granularityFlag.Name); granularity != "" {
		bytes, err := humanize.ParseBytes(granularity)
		if err != nil {
			return config, fmt.Errorf("invalid granularity: %w", err)
		}
		config.BlockGranularity = bytes
	}
	config.Logger = logrus.NewEntry(logrus.StandardLogger())
	return config, config.Validate()
}

// openManager creates a buffer manager configured by the command line.
// The returned function closes it and stops profiling.
func openManager(ctx *cli.Context) (*bufmgr.Manager, func() error, error) {
	config, err := readConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	if profile := ctx.Path(cpuProfileFlag.Name); profile != "" {
		if err := StartCPUProfile(profile); err != nil {
			return nil, nil, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"quota":       humanize.IBytes(config.QuotaBytes),
		"compression": config.Compression,
		"directory":   config.SpillDirectory,
	}).Info("opening buffer manager")
	manager, err := bufmgr.New(config)
	if err != nil {
		StopCPUProfile()
		return nil, nil, err
	}
	return manager, func() error {
		defer StopCPUProfile()
		logrus.Infof("memory footprint:\n%v", manager.GetMemoryFootprint())
		return manager.Close()
	}, nil
}

// residentMemory returns the resident set size of this process as a human
// readable string.
func residentMemory() string {
	self, err := procfs.Self()
	if err != nil {
		return "unknown"
	}
	stat, err := self.Stat()
	if err != nil {
		return "unknown"
	}
	return humanize.IBytes(uint64(stat.ResidentMemory()))
}

func StartCPUProfile(profileName string) error {
	f, err := os.Create(profileName)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %s", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		return fmt.Errorf("could not start CPU profile: %s", err)
	}
	return nil
}

func StopCPUProfile() {
	pprof.StopCPUProfile()
}
