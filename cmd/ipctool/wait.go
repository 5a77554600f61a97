// Copyright 2025 The XD Frameworks Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

	"github.com/NFS-Project/xd-frameworks-native/pkg/ipc/client"
)

// waitCmd implements subcommands.Command for the "wait" command.
type waitCmd struct {
	timeoutMS int
	root      string
}

// Name implements subcommands.Command.Name.
func (*waitCmd) Name() string {
	return "wait"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*waitCmd) Synopsis() string {
	return "block until an endpoint socket exists"
}

// Usage implements subcommands.Command.Usage.
func (*waitCmd) Usage() string {
	return `wait [flags] <endpoint>

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *waitCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&w.timeoutMS, "timeout", -1, "timeout in milliseconds, negative to wait forever")
	f.StringVar(&w.root, "root", "", "override the root endpoint directory")
}

// Execute implements subcommands.Command.Execute.
func (w *waitCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	root := client.RootEndpointDir
	if w.root != "" {
		root = w.root
	}
	path := client.ResolveEndpointIn(root, f.Arg(0))
	if path == "" {
		return failf("empty endpoint name")
	}

	timeout := time.Duration(-1)
	if w.timeoutMS >= 0 {
		timeout = time.Duration(w.timeoutMS) * time.Millisecond
	}

	if err := client.WaitForEndpoint(path, timeout); err != nil {
		return failf("waiting for %s: %v", path, err)
	}
	fmt.Printf("endpoint %s is ready\n", path)
	return subcommands.ExitSuccess
}
