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

// Package client establishes channels to named Unix domain socket endpoints.
//
// A Factory resolves an endpoint name, waits for the endpoint to come up,
// connects under a classified retry policy, performs the channel-open
// handshake and registers the resulting descriptor pair with a
// ChannelManager.
package client

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NFS-Project/xd-frameworks-native/pkg/cleanup"
	"github.com/NFS-Project/xd-frameworks-native/pkg/fd"
	"github.com/NFS-Project/xd-frameworks-native/pkg/log"
	"github.com/NFS-Project/xd-frameworks-native/pkg/unet"
	"github.com/NFS-Project/xd-frameworks-native/pkg/wire"
)

// Config holds the connection policy knobs.
type Config struct {
	// RootDir is the directory under which relative endpoint names are
	// resolved.
	RootDir string

	// AccessRetries is the number of times a Connect call tolerates EACCES
	// from connect(2) before giving up.
	AccessRetries int

	// RetryInterval is the fixed pause between transient connect retries.
	RetryInterval time.Duration
}

// DefaultConfig returns the process-wide default connection policy.
func DefaultConfig() Config {
	return Config{
		RootDir:       RootEndpointDir,
		AccessRetries: 5,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Factory connects channels to a single resolved endpoint.
//
// A Factory is immutable after creation and safe for concurrent Connect
// calls; each call carries its own retry state.
type Factory struct {
	cfg     Config
	path    string
	manager *ChannelManager
	seq     atomic.Uint32

	// Connection primitives, replaceable for testing.
	wait    func(path string, timeout time.Duration) error
	connect func(s *unet.Socket, path string) error
	sleep   func(d time.Duration)
}

// New creates a Factory for the named endpoint with the default policy and
// channel manager.
func New(endpoint string) *Factory {
	return NewWithConfig(endpoint, DefaultConfig(), DefaultManager())
}

// NewWithConfig creates a Factory with an explicit policy and manager.
func NewWithConfig(endpoint string, cfg Config, manager *ChannelManager) *Factory {
	return &Factory{
		cfg:     cfg,
		path:    ResolveEndpointIn(cfg.RootDir, endpoint),
		manager: manager,
		wait:    WaitForEndpoint,
		connect: (*unet.Socket).Connect,
		sleep:   time.Sleep,
	}
}

// Endpoint returns the resolved endpoint path.
func (f *Factory) Endpoint() string {
	return f.path
}

// connectOutcome is the classification of a connect(2) failure.
type connectOutcome int

const (
	// connectFatal errors are surfaced to the caller immediately.
	connectFatal connectOutcome = iota

	// connectRetry: the endpoint exists but is not listening yet. Back off
	// briefly and connect again.
	connectRetry

	// connectAccessRetry: the endpoint exists but its access rights are not
	// set up yet. Backed by a bounded per-call budget.
	connectAccessRetry

	// connectRewait: the socket file or its directory has just been removed.
	// Wait for the endpoint to appear again; does not consume the access
	// budget.
	connectRewait
)

func classifyConnectError(err error) connectOutcome {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return connectRetry
	case errors.Is(err, unix.EACCES):
		return connectAccessRetry
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR):
		return connectRewait
	default:
		return connectFatal
	}
}

// Connect establishes a channel to the factory's endpoint.
//
// A negative timeout waits indefinitely; otherwise the timeout bounds the
// entire operation, including waiting for the endpoint and all retries. On
// failure no descriptors are leaked.
func (f *Factory) Connect(timeout time.Duration) (*Channel, error) {
	if f.path == "" {
		return nil, fmt.Errorf("empty endpoint path: %w", unix.EINVAL)
	}

	sock, err := unet.NewStream()
	if err != nil {
		log.Warningf("Connect: socket error: %v", err)
		return nil, err
	}
	cu := cleanup.Make(func() { sock.Close() })
	defer cu.Clean()

	useDeadline := timeout >= 0
	deadline := time.Now().Add(timeout)

	budget := f.cfg.AccessRetries
	for connected := false; !connected; {
		remaining := time.Duration(-1)
		if useDeadline {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("connecting to %s: %w", f.path, unix.ETIMEDOUT)
			}
		}

		log.Debugf("Waiting for endpoint at %s", f.path)
		if err := f.wait(f.path, remaining); err != nil {
			return nil, err
		}

		log.Debugf("Connecting to %s", f.path)
		err := f.connect(sock, f.path)
		if err == nil {
			connected = true
			continue
		}
		log.Debugf("Connect error: %v", err)

		switch classifyConnectError(err) {
		case connectRetry:
			f.sleep(f.cfg.RetryInterval)
		case connectAccessRetry:
			if budget == 0 {
				log.Warningf("Connect: failed to initialize connection when connecting: %v", err)
				return nil, fmt.Errorf("connecting to %s: %w", f.path, err)
			}
			budget--
			f.sleep(f.cfg.RetryInterval)
		case connectRewait:
			// Loop back to wait for the endpoint.
		case connectFatal:
			log.Warningf("Connect: failed to initialize connection when connecting: %v", err)
			return nil, fmt.Errorf("connecting to %s: %w", f.path, err)
		}
	}
	log.Debugf("Connected successfully to %s", f.path)

	event, err := f.openChannel(sock)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { event.Close() })

	cu.Release()
	handle := f.manager.CreateHandle(sock.Release(), event.Release())
	return NewChannel(f.manager, handle), nil
}

// openChannel performs the channel-open handshake on a connected socket and
// returns the transferred event descriptor.
func (f *Factory) openChannel(sock *unet.Socket) (*fd.FD, error) {
	req := wire.Header{Op: wire.OpChannelOpen, Seq: f.seq.Add(1)}
	if err := wire.SendMessage(sock, req, nil, nil); err != nil {
		return nil, err
	}
	resp, err := wire.ReceiveMessage(sock)
	if err != nil {
		return nil, err
	}
	defer resp.CloseFDs()

	ref := int(resp.Ret)
	if ref < 0 || ref >= len(resp.FDs) {
		return nil, fmt.Errorf("channel open on %s returned descriptor index %d of %d: %w", f.path, resp.Ret, len(resp.FDs), unix.EIO)
	}
	return resp.TakeFD(ref), nil
}
