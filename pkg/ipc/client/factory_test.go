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
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NFS-Project/xd-frameworks-native/pkg/eventfd"
	"github.com/NFS-Project/xd-frameworks-native/pkg/unet"
	"github.com/NFS-Project/xd-frameworks-native/pkg/wire"
)

// testConfig is the default config with a short retry interval.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	return cfg
}

// serverReply configures the fake server's handshake response.
type serverReply struct {
	ret    int32
	numFDs int
	notify bool // signal the event descriptor at index ret after replying
}

// serveOne accepts a single connection and answers one channel-open
// handshake according to reply. The returned channel yields the server-side
// error, nil on success.
func serveOne(srv *unet.ServerSocket, reply serverReply) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- func() error {
			conn, err := srv.Accept()
			if err != nil {
				return err
			}
			defer conn.Close()

			m, err := wire.ReceiveMessage(conn)
			if err != nil {
				return err
			}
			defer m.CloseFDs()
			if m.Op != wire.OpChannelOpen {
				return fmt.Errorf("unexpected opcode %d", m.Op)
			}

			var efds []eventfd.Eventfd
			defer func() {
				for _, e := range efds {
					e.Close()
				}
			}()
			var raw []int
			for i := 0; i < reply.numFDs; i++ {
				e, err := eventfd.Create()
				if err != nil {
					return err
				}
				efds = append(efds, e)
				raw = append(raw, e.FD())
			}

			if err := wire.SendMessage(conn, wire.Header{Op: m.Op, Seq: m.Seq, Ret: reply.ret}, nil, raw); err != nil {
				return err
			}
			if reply.notify && reply.ret >= 0 && int(reply.ret) < len(efds) {
				return efds[reply.ret].Notify()
			}
			return nil
		}()
	}()
	return errCh
}

func TestConnectEmptyEndpoint(t *testing.T) {
	f := NewWithConfig("", testConfig(), NewChannelManager())
	if _, err := f.Connect(-1); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Connect on empty endpoint got %v, wanted EINVAL", err)
	}
}

func TestEndpointResolutionThroughConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RootDir = "/run/test-sockets"
	f := NewWithConfig("svc", cfg, NewChannelManager())
	if got, want := f.Endpoint(), "/run/test-sockets/svc"; got != want {
		t.Errorf("Endpoint() = %q, wanted %q", got, want)
	}
}

func TestClassifyConnectError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want connectOutcome
	}{
		{err: unix.ECONNREFUSED, want: connectRetry},
		{err: unix.EACCES, want: connectAccessRetry},
		{err: unix.ENOENT, want: connectRewait},
		{err: unix.ENOTDIR, want: connectRewait},
		{err: unix.EPERM, want: connectFatal},
		{err: unix.ECONNRESET, want: connectFatal},
		{err: fmt.Errorf("wrapped: %w", unix.ECONNREFUSED), want: connectRetry},
	} {
		if got := classifyConnectError(tc.err); got != tc.want {
			t.Errorf("classifyConnectError(%v) = %d, wanted %d", tc.err, got, tc.want)
		}
	}
}

func TestAccessRetryWithinBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	srv, err := unet.Bind(path)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer srv.Close()
	done := serveOne(srv, serverReply{ret: 0, numFDs: 1})

	const denials = 3
	f := NewWithConfig(path, testConfig(), NewChannelManager())
	var sleeps, attempts int
	f.sleep = func(time.Duration) { sleeps++ }
	f.connect = func(s *unet.Socket, p string) error {
		attempts++
		if attempts <= denials {
			return unix.EACCES
		}
		return s.Connect(p)
	}

	ch, err := f.Connect(5 * time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Close()
	if sleeps != denials {
		t.Errorf("got %d backoff sleeps, wanted %d", sleeps, denials)
	}
	if err := <-done; err != nil {
		t.Errorf("server error: %v", err)
	}
}

func TestAccessRetryExhausted(t *testing.T) {
	f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
	var sleeps, attempts int
	f.wait = func(string, time.Duration) error { return nil }
	f.connect = func(*unet.Socket, string) error {
		attempts++
		return unix.EACCES
	}
	f.sleep = func(time.Duration) { sleeps++ }

	_, err := f.Connect(-1)
	if !errors.Is(err, unix.EACCES) {
		t.Fatalf("Connect got %v, wanted EACCES", err)
	}
	if sleeps != 5 {
		t.Errorf("got %d backoff sleeps, wanted 5", sleeps)
	}
	if attempts != 6 {
		t.Errorf("got %d connect attempts, wanted 6", attempts)
	}
}

func TestRefusedThenFatal(t *testing.T) {
	f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
	var sleeps, attempts int
	f.wait = func(string, time.Duration) error { return nil }
	f.connect = func(*unet.Socket, string) error {
		attempts++
		if attempts <= 2 {
			return unix.ECONNREFUSED
		}
		return unix.EPERM
	}
	f.sleep = func(time.Duration) { sleeps++ }

	_, err := f.Connect(-1)
	if !errors.Is(err, unix.EPERM) {
		t.Fatalf("Connect got %v, wanted EPERM", err)
	}
	if sleeps != 2 {
		t.Errorf("got %d backoff sleeps, wanted 2", sleeps)
	}
}

func TestMissingEndpointRewaits(t *testing.T) {
	f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
	var waits, sleeps, attempts int
	f.wait = func(string, time.Duration) error {
		waits++
		return nil
	}
	f.connect = func(*unet.Socket, string) error {
		attempts++
		if attempts <= 2 {
			return unix.ENOENT
		}
		return unix.EPERM
	}
	f.sleep = func(time.Duration) { sleeps++ }

	if _, err := f.Connect(-1); !errors.Is(err, unix.EPERM) {
		t.Fatalf("Connect got %v, wanted EPERM", err)
	}
	// Vanished endpoints are re-waited without consuming the backoff sleep
	// or the access budget.
	if waits != 3 {
		t.Errorf("got %d endpoint waits, wanted 3", waits)
	}
	if sleeps != 0 {
		t.Errorf("got %d backoff sleeps, wanted 0", sleeps)
	}
}

func TestConnectTimeout(t *testing.T) {
	f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
	var attempts int
	f.wait = func(path string, timeout time.Duration) error {
		if timeout >= 0 {
			time.Sleep(timeout)
		}
		return fmt.Errorf("waiting for endpoint %s: %w", path, unix.ETIMEDOUT)
	}
	f.connect = func(*unet.Socket, string) error {
		attempts++
		return nil
	}

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := f.Connect(timeout)
	if !errors.Is(err, unix.ETIMEDOUT) {
		t.Fatalf("Connect got %v, wanted ETIMEDOUT", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect took %v for a %v timeout", elapsed, timeout)
	}
	if attempts != 0 {
		t.Errorf("got %d connect attempts, wanted 0", attempts)
	}
}

func TestDeadlineBoundsRewaits(t *testing.T) {
	f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
	f.wait = func(string, time.Duration) error { return nil }
	f.connect = func(*unet.Socket, string) error { return unix.ENOENT }

	if _, err := f.Connect(50 * time.Millisecond); !errors.Is(err, unix.ETIMEDOUT) {
		t.Fatalf("Connect got %v, wanted ETIMEDOUT", err)
	}
}

func TestHandshakeValidation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply serverReply
	}{
		{name: "negative index", reply: serverReply{ret: -1, numFDs: 1}},
		{name: "index past end", reply: serverReply{ret: 1, numFDs: 1}},
		{name: "no descriptors", reply: serverReply{ret: 0, numFDs: 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sock")
			srv, err := unet.Bind(path)
			if err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			defer srv.Close()
			done := serveOne(srv, tc.reply)

			f := NewWithConfig(path, testConfig(), NewChannelManager())
			if _, err := f.Connect(5 * time.Second); !errors.Is(err, unix.EIO) {
				t.Errorf("Connect got %v, wanted EIO", err)
			}
			if err := <-done; err != nil {
				t.Errorf("server error: %v", err)
			}
		})
	}
}

func TestHandshakeSelectsIndexedDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	srv, err := unet.Bind(path)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer srv.Close()
	done := serveOne(srv, serverReply{ret: 1, numFDs: 2, notify: true})

	f := NewWithConfig(path, testConfig(), NewChannelManager())
	ch, err := f.Connect(5 * time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Close()
	if err := <-done; err != nil {
		t.Fatalf("server error: %v", err)
	}

	// Only the descriptor at the returned index was signaled.
	if err := ch.Event().Wait(); err != nil {
		t.Errorf("event descriptor was not signaled: %v", err)
	}
}

// openFDs returns the number of descriptors open in this process.
func openFDs(t *testing.T) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatalf("reading /proc/self/fd: %v", err)
	}
	return len(ents)
}

func TestNoDescriptorLeak(t *testing.T) {
	for _, tc := range []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "wait failure", run: func(t *testing.T) {
			f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
			f.wait = func(string, time.Duration) error { return unix.EPERM }
			if _, err := f.Connect(-1); !errors.Is(err, unix.EPERM) {
				t.Fatalf("Connect got %v, wanted EPERM", err)
			}
		}},
		{name: "fatal connect", run: func(t *testing.T) {
			f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
			f.wait = func(string, time.Duration) error { return nil }
			f.connect = func(*unet.Socket, string) error { return unix.EPERM }
			if _, err := f.Connect(-1); !errors.Is(err, unix.EPERM) {
				t.Fatalf("Connect got %v, wanted EPERM", err)
			}
		}},
		{name: "timeout", run: func(t *testing.T) {
			f := NewWithConfig("/not/used", testConfig(), NewChannelManager())
			f.wait = func(string, time.Duration) error { return nil }
			f.connect = func(*unet.Socket, string) error { return unix.ENOENT }
			if _, err := f.Connect(20 * time.Millisecond); !errors.Is(err, unix.ETIMEDOUT) {
				t.Fatalf("Connect got %v, wanted ETIMEDOUT", err)
			}
		}},
		{name: "malformed handshake", run: func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sock")
			srv, err := unet.Bind(path)
			if err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			defer srv.Close()
			done := serveOne(srv, serverReply{ret: -1, numFDs: 1})
			f := NewWithConfig(path, testConfig(), NewChannelManager())
			if _, err := f.Connect(5 * time.Second); !errors.Is(err, unix.EIO) {
				t.Fatalf("Connect got %v, wanted EIO", err)
			}
			if err := <-done; err != nil {
				t.Fatalf("server error: %v", err)
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// Warm up any lazily-created runtime descriptors before taking
			// the baseline.
			tc.run(t)

			before := openFDs(t)
			tc.run(t)
			if after := openFDs(t); after != before {
				t.Errorf("descriptor count changed from %d to %d", before, after)
			}
		})
	}
}

func TestEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")

	// The endpoint comes up only after a short delay.
	done := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		srv, err := unet.Bind(path)
		if err != nil {
			done <- err
			return
		}
		defer srv.Close()
		done <- <-serveOne(srv, serverReply{ret: 0, numFDs: 1, notify: true})
	}()

	manager := NewChannelManager()
	f := NewWithConfig(path, DefaultConfig(), manager)

	start := time.Now()
	ch, err := f.Connect(2 * time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("Connect took %v, wanted under 2s", elapsed)
	}
	if err := <-done; err != nil {
		t.Fatalf("server error: %v", err)
	}

	if ch.FD() < 0 {
		t.Errorf("channel has no data socket")
	}
	if err := ch.Event().Wait(); err != nil {
		t.Errorf("event descriptor was not signaled: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := ch.Close(); !errors.Is(err, unix.EBADF) {
		t.Errorf("second Close got %v, wanted EBADF", err)
	}
}
