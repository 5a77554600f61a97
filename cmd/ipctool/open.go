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

// openCmd implements subcommands.Command for the "open" command.
type openCmd struct {
	timeoutMS int
	root      string
	waitEvent bool
}

// Name implements subcommands.Command.Name.
func (*openCmd) Name() string {
	return "open"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*openCmd) Synopsis() string {
	return "connect to an endpoint, perform the channel-open handshake and report the result"
}

// Usage implements subcommands.Command.Usage.
func (*openCmd) Usage() string {
	return `open [flags] <endpoint>

Where "<endpoint>" is an absolute socket path or a name under the root
endpoint directory.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (o *openCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&o.timeoutMS, "timeout", -1, "overall timeout in milliseconds, negative to wait forever")
	f.StringVar(&o.root, "root", "", "override the root endpoint directory")
	f.BoolVar(&o.waitEvent, "wait-event", false, "block until the channel's event descriptor is signaled")
}

// Execute implements subcommands.Command.Execute.
func (o *openCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := client.DefaultConfig()
	if o.root != "" {
		cfg.RootDir = o.root
	}
	factory := client.NewWithConfig(f.Arg(0), cfg, client.DefaultManager())

	timeout := time.Duration(-1)
	if o.timeoutMS >= 0 {
		timeout = time.Duration(o.timeoutMS) * time.Millisecond
	}

	ch, err := factory.Connect(timeout)
	if err != nil {
		return failf("connecting to %s: %v", factory.Endpoint(), err)
	}
	defer ch.Close()

	fmt.Printf("connected to %s: handle=%d data-fd=%d event-fd=%d\n",
		factory.Endpoint(), ch.Handle(), ch.FD(), ch.Event().FD())

	if o.waitEvent {
		if err := ch.Event().Wait(); err != nil {
			return failf("waiting for event: %v", err)
		}
		fmt.Println("event signaled")
	}
	return subcommands.ExitSuccess
}
