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
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/pkg/domain"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "Print the geometry of a configured domain."
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [-config <file>] - Print the geometry of a configured domain.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.config, "config", "", "Domain configuration file (TOML or YAML).")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := loadConfig(i.config)
	if err != nil {
		return Errorf("%v", err)
	}
	s, err := NewSimulator(c, io.Discard)
	if err != nil {
		return Errorf("creating domain: %v", err)
	}
	defer s.Close()
	if err := printInfo(os.Stdout, s.Domain()); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// printInfo writes the geometry of d as a table.
func printInfo(w io.Writer, d *domain.Domain) error {
	st := d.Stats()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", d.Name())
	fmt.Fprintf(tw, "Range:\t%v\n", d.Range())
	fmt.Fprintf(tw, "Usable:\t%v\n", d.Usable())
	fmt.Fprintf(tw, "Page size:\t%#x\n", d.PageSize())
	fmt.Fprintf(tw, "Bitmaps:\t%d of %d\n", st.Bitmaps, st.MaxBitmaps)
	fmt.Fprintf(tw, "Capacity:\t%d pages\n", st.CapacityPages)
	fmt.Fprintf(tw, "Reserved:\t%d pages\n", st.ReservedPages)
	return tw.Flush()
}
