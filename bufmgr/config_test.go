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
	"os"
	"path/filepath"
	"testing"

	"github.com/XinShuoWang/sort/backend/codec"
	"github.com/XinShuoWang/sort/backend/fault"
	"github.com/XinShuoWang/sort/backend/vmem"
)

func TestConfig_LoadFromYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
spillDirectory: /tmp/spill
quotaBytes: 1048576
compression: zstd
faultWindow: 131072
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	want := Config{
		SpillDirectory: "/tmp/spill",
		QuotaBytes:     1 << 20,
		Compression:    codec.Zstd,
		FaultWindow:    128 << 10,
	}
	if config.SpillDirectory != want.SpillDirectory ||
		config.QuotaBytes != want.QuotaBytes ||
		config.Compression != want.Compression ||
		config.FaultWindow != want.FaultWindow ||
		config.BlockGranularity != 0 {
		t.Errorf("unexpected config, wanted %+v, got %+v", want, config)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("config should be valid: %v", err)
	}
}

func TestConfig_EncodedConfigCanBeLoaded(t *testing.T) {
	config := Config{
		SpillDirectory:   "spill",
		QuotaBytes:       4 << 20,
		Compression:      codec.S2,
		BlockGranularity: 2 * uint64(vmem.PageSize()),
	}
	data, err := config.Encode()
	if err != nil {
		t.Fatalf("failed to encode config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	restored, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if restored.SpillDirectory != config.SpillDirectory ||
		restored.QuotaBytes != config.QuotaBytes ||
		restored.Compression != config.Compression ||
		restored.BlockGranularity != config.BlockGranularity {
		t.Errorf("unexpected config, wanted %+v, got %+v", config, restored)
	}
}

func TestConfig_UnknownFieldsAndMethodsAreRejected(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "spillDirectory: a\nquotaBytes: 1\nsize: 12\n",
		"unknown method": "spillDirectory: a\nquotaBytes: 1\ncompression: brotli\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfig_LoadOfMissingFileFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected missing file error, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	page := uint64(vmem.PageSize())
	valid := Config{SpillDirectory: "spill", QuotaBytes: page}

	tests := map[string]func(*Config){
		"missing directory":     func(c *Config) { c.SpillDirectory = "" },
		"zero quota":            func(c *Config) { c.QuotaBytes = 0 },
		"unknown compression":   func(c *Config) { c.Compression = codec.Method(99) },
		"unaligned granularity": func(c *Config) { c.BlockGranularity = page + 1 },
		"unaligned window":      func(c *Config) { c.FaultWindow = page / 2 },
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			config := valid
			modify(&config)
			if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfig_DefaultsAreApplied(t *testing.T) {
	config := Config{}.withDefaults()
	if config.BlockGranularity != vmem.DefaultGranularity {
		t.Errorf("unexpected default granularity %d", config.BlockGranularity)
	}
	if config.FaultWindow != fault.DefaultWindow {
		t.Errorf("unexpected default fault window %d", config.FaultWindow)
	}
}
