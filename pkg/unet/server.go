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

package unet

import (
	"golang.org/x/sys/unix"

	"github.com/NFS-Project/xd-frameworks-native/pkg/fd"
)

// ServerSocket is a bound and listening stream socket.
type ServerSocket struct {
	fd   *fd.FD
	path string
}

// Bind creates and binds a server socket at path and starts listening.
//
// A stale socket file at path is not removed; binding over it fails with
// EADDRINUSE.
func Bind(path string) (*ServerSocket, error) {
	if len(path) == 0 || len(path) > maxPathLength {
		return nil, unix.EINVAL
	}
	sfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	s := &ServerSocket{fd: fd.New(sfd), path: path}
	if err := unix.Bind(sfd, &unix.SockaddrUnix{Name: path}); err != nil {
		s.fd.Close()
		return nil, err
	}
	if err := unix.Listen(sfd, backlog); err != nil {
		s.fd.Close()
		return nil, err
	}
	return s, nil
}

// Accept accepts a single connection.
func (s *ServerSocket) Accept() (*Socket, error) {
	for {
		nfd, _, err := unix.Accept4(s.fd.FD(), unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return NewSocket(nfd)
	}
}

// Path returns the bound socket path.
func (s *ServerSocket) Path() string {
	return s.path
}

// Close closes the listening socket. The socket file is left on disk for the
// owner to unlink.
func (s *ServerSocket) Close() error {
	return s.fd.Close()
}

// SocketPair creates a pair of connected stream sockets.
func SocketPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	a, err := NewSocket(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := NewSocket(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}
