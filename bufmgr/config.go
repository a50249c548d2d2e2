// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package bufmgr

import (
	"errors"
	"fmt"
	"os"

	"github.com/XinShuoWang/sort/backend/codec"
	"github.com/XinShuoWang/sort/backend/fault"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

const ErrInvalidConfig = common.ConstError("invalid buffer manager configuration")

// Config configures a Manager.
type Config struct {
	// SpillDirectory receives spilled blocks. It is created by New and
	// removed with all its content by Close.
	SpillDirectory string `json:"spillDirectory"`
	// QuotaBytes is the number of bytes that may be resident at once.
	QuotaBytes uint64 `json:"quotaBytes"`
	// Compression selects the codec used for spilled blocks.
	Compression codec.Method `json:"compression"`
	// BlockGranularity is the unit block sizes are rounded up to. It
	// needs to be a multiple of the OS page size; zero selects
	// vmem.DefaultGranularity.
	BlockGranularity uint64 `json:"blockGranularity,omitempty"`
	// FaultWindow is the number of bytes restored per fault; zero selects
	// fault.DefaultWindow.
	FaultWindow uint64 `json:"faultWindow,omitempty"`

	// Logger receives diagnostic output; nil selects the standard logger.
	Logger *logrus.Entry `json:"-"`
	// Registerer receives the manager's metrics if set.
	Registerer prometheus.Registerer `json:"-"`
}

// LoadConfig reads a configuration from a YAML or JSON file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return config, nil
}

// Encode renders the configuration as YAML.
func (c Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) withDefaults() Config {
	if c.BlockGranularity == 0 {
		c.BlockGranularity = vmem.DefaultGranularity
	}
	if c.FaultWindow == 0 {
		c.FaultWindow = fault.DefaultWindow
	}
	return c
}

// Validate checks the configuration, after defaults have been applied, for
// consistency.
func (c Config) Validate() error {
	c = c.withDefaults()
	pageSize := uint64(vmem.PageSize())
	var errs []error
	if c.SpillDirectory == "" {
		errs = append(errs, fmt.Errorf("%w: spill directory must be set", ErrInvalidConfig))
	}
	if c.QuotaBytes == 0 {
		errs = append(errs, fmt.Errorf("%w: quota must be positive", ErrInvalidConfig))
	}
	if _, err := codec.Lookup(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if !common.IsAligned(c.BlockGranularity, pageSize) {
		errs = append(errs, fmt.Errorf("%w: block granularity %d is not a multiple of the page size %d", ErrInvalidConfig, c.BlockGranularity, pageSize))
	}
	if !common.IsAligned(c.FaultWindow, pageSize) {
		errs = append(errs, fmt.Errorf("%w: fault window %d is not a multiple of the page size %d", ErrInvalidConfig, c.FaultWindow, pageSize))
	}
	return errors.Join(errs...)
}
