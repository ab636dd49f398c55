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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/pkg/refs"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "Replay a mapping script against an in-memory domain."
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [-config <file>] [<script>] - Replay a mapping script against an in-memory domain.

The script is read from standard input if no file is given. Commands:

  attach <device>
  detach <device>
  map <handle> <phys> <size> [rw|r|w] [coherent]
  alloc <handle> <boundary-mask> <max-segment> <phys>+<len>[@<offset>]...
  unmap <handle>
  reserve <iova> <size>
  translate <iova>
  stats
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.config, "config", "", "Domain configuration file (TOML or YAML).")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := loadConfig(s.config)
	if err != nil {
		return Errorf("%v", err)
	}

	var script io.Reader = os.Stdin
	if f.NArg() == 1 {
		file, err := os.Open(f.Arg(0))
		if err != nil {
			return Errorf("opening script: %v", err)
		}
		defer file.Close()
		script = file
	}

	sim, err := NewSimulator(c, os.Stdout)
	if err != nil {
		return Errorf("creating domain: %v", err)
	}
	runErr := sim.Run(script)
	sim.Close()
	if leaks := refs.DoLeakCheck(); leaks != 0 {
		return Errorf("%d leaked references", leaks)
	}
	if runErr != nil {
		return Errorf("%v", runErr)
	}
	return subcommands.ExitSuccess
}
