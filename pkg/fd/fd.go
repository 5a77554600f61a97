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

// Package fd provides an ownership-typed wrapper for host file descriptors.
package fd

import (
	"io"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FD owns a host file descriptor.
//
// It is similar to os.File, but provides a Release() method which
// relinquishes ownership without closing the descriptor. Like os.File, FD
// adds a finalizer to close the backing descriptor if it is garbage
// collected while still owned.
type FD struct {
	// fd is accessed atomically so Close/Release can swap it.
	fd int64
}

var _ io.ReadWriter = (*FD)(nil)

// New creates a new FD.
//
// New takes ownership of fd.
func New(fd int) *FD {
	if fd < 0 {
		return &FD{fd: -1}
	}
	f := &FD{fd: int64(fd)}
	runtime.SetFinalizer(f, (*FD).Close)
	return f
}

// FD returns the file descriptor owned by FD. FD retains ownership.
func (f *FD) FD() int {
	return int(atomic.LoadInt64(&f.fd))
}

// Close closes the file descriptor contained in the FD.
//
// Close is safe to call multiple times, but will return an error after the
// first call.
func (f *FD) Close() error {
	runtime.SetFinalizer(f, nil)
	return unix.Close(int(atomic.SwapInt64(&f.fd, -1)))
}

// Release relinquishes ownership of the contained file descriptor.
//
// Concurrently calling Release and any other method is undefined.
func (f *FD) Release() int {
	runtime.SetFinalizer(f, nil)
	return int(atomic.SwapInt64(&f.fd, -1))
}

// Read implements io.Reader.
func (f *FD) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(f.FD(), b)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		if n == 0 && len(b) > 0 && err == nil {
			return 0, io.EOF
		}
		return n, err
	}
}

// Write implements io.Writer. Short writes are resubmitted until b is fully
// consumed or an error occurs.
func (f *FD) Write(b []byte) (int, error) {
	var done int
	for done < len(b) {
		n, err := unix.Write(f.FD(), b[done:])
		if n > 0 {
			done += n
		}
		if err != nil && err != unix.EINTR {
			return done, err
		}
	}
	return done, nil
}
