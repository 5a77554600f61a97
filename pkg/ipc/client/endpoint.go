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

package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// RootEndpointDir is the well-known directory under which named endpoints
// are created. It is shared by all clients and servers on the system.
const RootEndpointDir = "/dev/socket/ipc"

// ResolveEndpoint returns the connection path for a named endpoint rooted
// under RootEndpointDir. See ResolveEndpointIn.
func ResolveEndpoint(name string) string {
	return ResolveEndpointIn(RootEndpointDir, name)
}

// ResolveEndpointIn returns the connection path for a named endpoint.
//
// An absolute name is used verbatim; any other non-empty name is placed
// under root. An empty name resolves to the empty string, which is not a
// usable endpoint path.
func ResolveEndpointIn(root, name string) string {
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "/") {
		return name
	}
	return root + "/" + name
}

// WaitForEndpoint blocks until a socket exists at path or the timeout
// elapses. A negative timeout waits indefinitely.
//
// The path is polled with a capped exponential backoff. A non-socket file at
// path is a permanent error; expiry is reported as ETIMEDOUT.
func WaitForEndpoint(path string, timeout time.Duration) error {
	probe := func() error {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			if err == unix.ENOENT || err == unix.ENOTDIR {
				return err
			}
			return backoff.Permanent(err)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
			return backoff.Permanent(fmt.Errorf("endpoint %s is not a socket: %w", path, unix.ENOTSOCK))
		}
		return nil
	}

	if timeout == 0 {
		// Single immediate probe.
		err := probe()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return fmt.Errorf("waiting for endpoint %s: %w", path, unix.ETIMEDOUT)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	if timeout > 0 {
		b.MaxElapsedTime = timeout
	} else {
		b.MaxElapsedTime = 0 // no limit
	}

	if err := backoff.Retry(probe, b); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return fmt.Errorf("waiting for endpoint %s: %w", path, unix.ETIMEDOUT)
		}
		return err
	}
	return nil
}
