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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pagetable/memtable"
	"gvisor.dev/iommu/pkg/refs"
)

const tomlConfig = `
name = "nic0"
base = 0x100000
size = 0x1000000
aperture_start = 0x100000
aperture_end = 0xffffff
bits_per_bitmap = 1024
max_align_order = 4
log_level = "debug"
ref_leak_mode = "log-names"
`

const yamlConfig = `
name: nic0
base: 0x100000
size: 0x1000000
aperture_start: 0x100000
aperture_end: 0xffffff
bits_per_bitmap: 1024
max_align_order: 4
log_level: debug
ref_leak_mode: log-names
`

var wantConfig = &Config{
	Name:          "nic0",
	Base:          0x100000,
	Size:          0x1000000,
	ApertureStart: 0x100000,
	ApertureEnd:   0xffffff,
	BitsPerBitmap: 1024,
	MaxAlignOrder: 4,
	LogLevel:      "debug",
	RefLeakMode:   "log-names",
}

func TestDecode(t *testing.T) {
	for _, test := range []struct {
		name   string
		input  string
		format Format
	}{
		{"toml", tomlConfig, TOML},
		{"yaml", yamlConfig, YAML},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := Decode(strings.NewReader(test.input), test.format)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(wantConfig, c); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeDefaults(t *testing.T) {
	c, err := Decode(strings.NewReader(`size = 0x10000`), TOML)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := Default()
	want.Size = 0x10000
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.Aperture(), (domain.Aperture{Start: 0, End: hostarch.Addr(^uint64(0))}); got != want {
		t.Errorf("Aperture() = %+v, want %+v", got, want)
	}
}

func TestDecodeUnknownKey(t *testing.T) {
	for _, test := range []struct {
		name   string
		input  string
		format Format
	}{
		{"toml", "sizee = 0x1000\n", TOML},
		{"yaml", "sizee: 0x1000\n", YAML},
	} {
		t.Run(test.name, func(t *testing.T) {
			if c, err := Decode(strings.NewReader(test.input), test.format); err == nil {
				t.Errorf("Decode = %+v, want error", c)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero size", func(c *Config) { c.Size = 0 }},
		{"unaligned size", func(c *Config) { c.Size = 0x1234 }},
		{"unaligned base", func(c *Config) { c.Base = 0x1234 }},
		{"wraps", func(c *Config) { c.Base = ^uint64(0) &^ 0xfff }},
		{"empty aperture", func(c *Config) { c.ApertureStart, c.ApertureEnd = 0x2000, 0x1000 }},
		{"page shift", func(c *Config) { c.PageShift = 40 }},
		{"align order", func(c *Config) { c.MaxAlignOrder = 9 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"leak mode", func(c *Config) { c.RefLeakMode = "maybe" }},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.modify(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate(%+v) succeeded, want error", c)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"domain.toml": tomlConfig,
		"domain.yaml": yamlConfig,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		c, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", path, err)
		}
		if diff := cmp.Diff(wantConfig, c); diff != "" {
			t.Errorf("Load(%q) mismatch (-want +got):\n%s", path, diff)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestApply(t *testing.T) {
	oldLevel, oldMode := log.Log().Level, refs.GetLeakMode()
	defer func() {
		log.SetLevel(oldLevel)
		refs.SetLeakMode(oldMode)
	}()

	if err := wantConfig.Apply(); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !log.IsLogging(log.Debug) {
		t.Errorf("log level not raised to debug")
	}
	if got := refs.GetLeakMode(); got != refs.LeaksLogWarning {
		t.Errorf("leak mode = %v, want %v", got, refs.LeaksLogWarning)
	}
}

func TestPageSize(t *testing.T) {
	c := Default()
	if got := c.PageSize(); got != hostarch.PageSize {
		t.Errorf("PageSize() = %#x, want %#x", got, hostarch.PageSize)
	}
	c.PageShift = 16
	if got := c.PageSize(); got != 0x10000 {
		t.Errorf("PageSize() with page_shift 16 = %#x, want 0x10000", got)
	}
}

func TestNewDomain(t *testing.T) {
	tbl := memtable.New()
	d, err := wantConfig.NewDomain(tbl.Factory())
	if err != nil {
		t.Fatalf("NewDomain failed: %v", err)
	}
	defer d.Release()
	if d.Name() != "nic0" {
		t.Errorf("Name() = %q, want nic0", d.Name())
	}
	want := hostarch.AddrRange{Start: 0x100000, End: 0x1000000}
	if got := d.Usable(); got != want {
		t.Errorf("Usable() = %v, want %v", got, want)
	}

	c := *wantConfig
	c.ApertureStart, c.ApertureEnd = 0x20000000, 0x30000000
	if _, err := c.NewDomain(tbl.Factory()); !errors.Is(err, iommuerr.ErrOutOfAperture) {
		t.Errorf("NewDomain outside the aperture = %v, want %v", err, iommuerr.ErrOutOfAperture)
	}
}
