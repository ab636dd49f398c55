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

// Binary iovactl inspects IOMMU domain configurations and replays mapping
// scripts against them.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/cmd/iovactl/cmd"
	"gvisor.dev/iommu/pkg/log"
)

// logJSON selects JSON logs. The log level comes from the domain
// configuration.
var logJSON = flag.Bool("log-json", false, "log in JSON format.")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Info), "")
	subcommands.Register(new(cmd.Simulate), "")

	flag.Parse()
	if *logJSON {
		log.SetTarget(log.NewJSONEmitter(os.Stderr))
	}
	os.Exit(int(subcommands.Execute(context.Background())))
}
