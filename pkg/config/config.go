// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the on-disk configuration of a mapping domain.
//
// Configurations are TOML, or YAML when the file name ends in .yaml or .yml:
//
//	name = "nic0"
//	base = 0x100000
//	size = 0x10000000
//	aperture_start = 0x0
//	aperture_end = 0xffffffff
//	log_level = "debug"
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"
	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iova"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pagetable"
	"gvisor.dev/iommu/pkg/refs"
)

// Format is a configuration file format.
type Format int

const (
	// TOML is the default format.
	TOML Format = iota

	// YAML is selected by a .yaml or .yml extension.
	YAML
)

// Config describes one mapping domain and the process-wide knobs that go
// with it.
type Config struct {
	// Name identifies the domain in logs and metrics.
	Name string `toml:"name" yaml:"name"`

	// Base is the first IOVA of the domain.
	Base uint64 `toml:"base" yaml:"base"`

	// Size is the length of the domain in bytes.
	Size uint64 `toml:"size" yaml:"size"`

	// ApertureStart and ApertureEnd bound the addresses the device can
	// reach. ApertureEnd is inclusive; zero means no upper bound.
	ApertureStart uint64 `toml:"aperture_start" yaml:"aperture_start"`
	ApertureEnd   uint64 `toml:"aperture_end" yaml:"aperture_end"`

	// BitsPerBitmap is the number of pages each allocator bitmap tracks.
	// Zero selects the default.
	BitsPerBitmap uint32 `toml:"bits_per_bitmap" yaml:"bits_per_bitmap"`

	// MaxAlignOrder caps the size alignment of allocations. Zero selects
	// the default.
	MaxAlignOrder uint `toml:"max_align_order" yaml:"max_align_order"`

	// PageShift is the binary log of the IOMMU page size. Zero selects the
	// host page size.
	PageShift uint `toml:"page_shift" yaml:"page_shift"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// RefLeakMode is one of "disabled", "log-names" or "panic".
	RefLeakMode string `toml:"ref_leak_mode" yaml:"ref_leak_mode"`
}

// Default returns a configuration for a 4GiB domain at 1MiB.
func Default() *Config {
	return &Config{
		Name:        "default",
		Base:        0x100000,
		Size:        4 << 30,
		LogLevel:    "info",
		RefLeakMode: refs.NoLeakChecking.String(),
	}
}

// FormatOf returns the format implied by the file name.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Load reads and validates the configuration at path. Fields missing from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config: %w", err)
	}
	defer f.Close()
	c, err := Decode(f, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("unable to decode %q: %w", path, err)
	}
	return c, nil
}

// Decode reads and validates a configuration from r. Unknown keys are errors.
func Decode(r io.Reader, format Format) (*Config, error) {
	c := Default()
	switch format {
	case YAML:
		dec := yaml.NewDecoder(r)
		dec.SetStrict(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return nil, err
		}
	default:
		md, err := toml.NewDecoder(r).Decode(c)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("unknown keys %v: %w", undecoded, iommuerr.ErrInvalidArgument)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	shift := c.PageShift
	if shift == 0 {
		shift = hostarch.PageShift
	}
	if shift < 9 || shift > 30 {
		return fmt.Errorf("page_shift %d out of [9, 30]: %w", c.PageShift, iommuerr.ErrInvalidArgument)
	}
	mask := uint64(1)<<shift - 1
	if c.Size == 0 || c.Size&mask != 0 {
		return fmt.Errorf("size %#x is not a non-zero multiple of %#x: %w", c.Size, mask+1, iommuerr.ErrInvalidArgument)
	}
	if c.Base&mask != 0 {
		return fmt.Errorf("base %#x is not aligned to %#x: %w", c.Base, mask+1, iommuerr.ErrInvalidArgument)
	}
	if c.Base+c.Size < c.Base {
		return fmt.Errorf("base %#x + size %#x wraps: %w", c.Base, c.Size, iommuerr.ErrInvalidArgument)
	}
	if ap := c.Aperture(); ap.End < ap.Start {
		return fmt.Errorf("aperture [%v, %v] is empty: %w", ap.Start, ap.End, iommuerr.ErrInvalidArgument)
	}
	if c.MaxAlignOrder > iova.MaxAlignOrder {
		return fmt.Errorf("max_align_order %d above %d: %w", c.MaxAlignOrder, iova.MaxAlignOrder, iommuerr.ErrInvalidArgument)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := refs.ParseLeakMode(c.RefLeakMode); err != nil {
		return fmt.Errorf("ref_leak_mode: %w", err)
	}
	return nil
}

// Aperture returns the device aperture.
func (c *Config) Aperture() domain.Aperture {
	end := hostarch.Addr(c.ApertureEnd)
	if end == 0 {
		end = hostarch.Addr(^uint64(0))
	}
	return domain.Aperture{Start: hostarch.Addr(c.ApertureStart), End: end}
}

// PageSize returns the IOMMU page size. c must be valid.
func (c *Config) PageSize() uint64 {
	if c.PageShift == 0 {
		return hostarch.PageSize
	}
	return uint64(1) << c.PageShift
}

// DomainOptions returns the domain options described by c.
func (c *Config) DomainOptions() domain.Options {
	return domain.Options{
		Name:          c.Name,
		BitsPerBitmap: c.BitsPerBitmap,
		MaxAlignOrder: c.MaxAlignOrder,
		PageShift:     c.PageShift,
	}
}

// Apply sets the process-wide log level and leak checking mode. c must be
// valid.
func (c *Config) Apply() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	mode, err := refs.ParseLeakMode(c.RefLeakMode)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	refs.SetLeakMode(mode)
	return nil
}

// NewDomain creates the domain described by c with page tables from factory.
func (c *Config) NewDomain(factory pagetable.Factory) (*domain.Domain, error) {
	return domain.New(hostarch.Addr(c.Base), c.Size, factory, c.Aperture(), c.DomainOptions())
}
