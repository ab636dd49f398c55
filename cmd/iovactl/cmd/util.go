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

// Package cmd holds implementations of the iovactl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/pkg/config"
	"gvisor.dev/iommu/pkg/log"
)

// Errorf logs an error and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}

// loadConfig loads the configuration at path, or the default one if path is
// empty, and applies its process-wide settings.
func loadConfig(path string) (*config.Config, error) {
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := c.Apply(); err != nil {
		return nil, err
	}
	return c, nil
}
