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

// Package unet provides a minimal net package based on Unix Domain Sockets.
//
// Sockets are stream-oriented, blocking, and may carry file descriptors in
// SCM_RIGHTS control messages alongside ordinary data.
package unet

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/NFS-Project/xd-frameworks-native/pkg/fd"
)

// maxPathLength is the largest socket path accepted by bind/connect. The
// kernel's sockaddr_un buffer is 108 bytes including the terminating NUL.
const maxPathLength = 107

// backlog is used for the listen request.
const backlog = 16

// Socket is a connected stream socket.
type Socket struct {
	fd *fd.FD
}

// NewSocket returns a new socket from an existing descriptor.
//
// NewSocket takes ownership of sfd.
func NewSocket(sfd int) (*Socket, error) {
	if sfd < 0 {
		return nil, unix.EBADF
	}
	return &Socket{fd: fd.New(sfd)}, nil
}

// NewStream creates a new unconnected stream socket.
func NewStream() (*Socket, error) {
	sfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &Socket{fd: fd.New(sfd)}, nil
}

// Connect connects the socket to the endpoint at path. The socket may be
// reused for further Connect calls after a failure.
func (s *Socket) Connect(path string) error {
	if len(path) == 0 || len(path) > maxPathLength {
		return unix.EINVAL
	}
	addr := &unix.SockaddrUnix{Name: path}
	for {
		err := unix.Connect(s.fd.FD(), addr)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Connect is a convenience wrapper creating a stream socket connected to the
// endpoint at path. On failure no descriptor is left open.
func Connect(path string) (*Socket, error) {
	s, err := NewStream()
	if err != nil {
		return nil, err
	}
	if err := s.Connect(path); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// FD returns the socket's file descriptor. The socket retains ownership.
func (s *Socket) FD() int {
	return s.fd.FD()
}

// Release relinquishes ownership of the socket's file descriptor.
func (s *Socket) Release() int {
	return s.fd.Release()
}

// Close closes the socket.
func (s *Socket) Close() error {
	return s.fd.Close()
}

// Shutdown shuts down both directions of the socket, unblocking any pending
// reads and writes.
func (s *Socket) Shutdown() error {
	return unix.Shutdown(s.fd.FD(), unix.SHUT_RDWR)
}

// Read implements io.Reader.Read.
func (s *Socket) Read(p []byte) (int, error) {
	return s.Reader().Read(p)
}

// Write implements io.Writer.Write.
func (s *Socket) Write(p []byte) (int, error) {
	return s.Writer().Write(p)
}

// Reader returns a reader for the socket.
func (s *Socket) Reader() *SocketReader {
	return &SocketReader{socket: s}
}

// Writer returns a writer for the socket.
func (s *Socket) Writer() *SocketWriter {
	return &SocketWriter{socket: s}
}

// SocketReader reads data and attached file descriptors from a socket.
type SocketReader struct {
	socket *Socket

	// control receives SCM_RIGHTS messages during Read when enabled via
	// EnableFDs. It is truncated to the received control length.
	control []byte
}

// EnableFDs enables receiving up to count file descriptors on the next Read.
// Received descriptors are retrieved with ExtractFDs.
func (r *SocketReader) EnableFDs(count int) {
	if count == 0 {
		r.control = nil
		return
	}
	r.control = make([]byte, unix.CmsgSpace(count*4))
}

// Read reads into p, capturing any attached control message.
//
// A zero-length read indicates the other end was closed and is returned as
// io.EOF.
func (r *SocketReader) Read(p []byte) (int, error) {
	for {
		n, oobn, _, _, err := unix.Recvmsg(r.socket.FD(), p, r.control, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if r.control != nil {
			r.control = r.control[:oobn]
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// ExtractFDs returns the file descriptors attached to the last Read.
//
// The returned descriptors are owned by the caller. ExtractFDs may be called
// at most once per Read; subsequent calls return no descriptors.
func (r *SocketReader) ExtractFDs() ([]int, error) {
	control := r.control
	r.control = nil
	if len(control) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, msg := range msgs {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			closeFDs(fds)
			return nil, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// CloseFDs closes any descriptors attached to the last Read without
// extracting them.
func (r *SocketReader) CloseFDs() {
	fds, _ := r.ExtractFDs()
	closeFDs(fds)
}

// SocketWriter writes data and attached file descriptors to a socket.
type SocketWriter struct {
	socket *Socket

	// fds are attached to the next Write as a single SCM_RIGHTS message.
	fds []int
}

// PackFDs packs the given list of descriptors to be written. The descriptors
// are not released; they travel by duplication.
func (w *SocketWriter) PackFDs(fds ...int) {
	w.fds = fds
}

// UnpackFDs clears any packed descriptors so that they are not resent on a
// continuation write.
func (w *SocketWriter) UnpackFDs() {
	w.fds = nil
}

// Write writes p, attaching any packed descriptors.
func (w *SocketWriter) Write(p []byte) (int, error) {
	var oob []byte
	if len(w.fds) > 0 {
		oob = unix.UnixRights(w.fds...)
	}
	for {
		n, err := unix.SendmsgN(w.socket.FD(), p, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
