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

// Package wire defines the message format exchanged over channel sockets.
//
// Each message is a fixed header, optionally followed by a payload. File
// descriptors travel out of band in an SCM_RIGHTS control message attached
// to the first byte of the message; the header's NumFDs field declares how
// many are expected.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/NFS-Project/xd-frameworks-native/pkg/fd"
	"github.com/NFS-Project/xd-frameworks-native/pkg/unet"
)

// Op identifies the requested operation.
type Op uint32

// Opcodes understood by channel endpoints.
const (
	// OpChannelOpen establishes a new channel. The request carries no
	// payload; the response's Ret field indexes the transferred descriptor
	// acting as the channel's event descriptor.
	OpChannelOpen Op = 1
)

// HeaderLen is the wire size of Header.
const HeaderLen = 20

// MaxFDs is the maximum number of descriptors attached to one message.
const MaxFDs = 16

// Header is the fixed message header. All fields are little-endian on the
// wire.
type Header struct {
	// Op is the operation code.
	Op Op

	// Seq matches responses to requests.
	Seq uint32

	// Ret is the operation result. It is zero in requests. A negative value
	// indicates failure; non-negative values are operation-defined.
	Ret int32

	// NumFDs is the number of descriptors attached to this message.
	NumFDs uint32

	// PayloadLen is the number of payload bytes following the header.
	PayloadLen uint32
}

// MarshalBytes writes the header to buf, which must hold HeaderLen bytes.
func (h *Header) MarshalBytes(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Op))
	binary.LittleEndian.PutUint32(buf[4:], h.Seq)
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Ret))
	binary.LittleEndian.PutUint32(buf[12:], h.NumFDs)
	binary.LittleEndian.PutUint32(buf[16:], h.PayloadLen)
}

// UnmarshalBytes reads the header from buf, which must hold HeaderLen bytes.
func (h *Header) UnmarshalBytes(buf []byte) {
	h.Op = Op(binary.LittleEndian.Uint32(buf[0:]))
	h.Seq = binary.LittleEndian.Uint32(buf[4:])
	h.Ret = int32(binary.LittleEndian.Uint32(buf[8:]))
	h.NumFDs = binary.LittleEndian.Uint32(buf[12:])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:])
}

// Message is a fully received message: header, payload and any transferred
// descriptors, in the order the sender attached them.
type Message struct {
	Header

	// Payload is the message body. May be empty.
	Payload []byte

	// FDs are the transferred descriptors. Entries are owned by the Message
	// until taken with TakeFD or released via CloseFDs.
	FDs []*fd.FD
}

// TakeFD transfers ownership of the descriptor at index i to the caller.
// It returns nil if i is out of range or the descriptor was already taken.
func (m *Message) TakeFD(i int) *fd.FD {
	if i < 0 || i >= len(m.FDs) {
		return nil
	}
	f := m.FDs[i]
	m.FDs[i] = nil
	return f
}

// CloseFDs closes all descriptors still owned by the Message.
func (m *Message) CloseFDs() {
	for i, f := range m.FDs {
		if f != nil {
			f.Close()
			m.FDs[i] = nil
		}
	}
}

// SendMessage writes a message with the given header fields, payload and
// descriptors to s. The header's NumFDs and PayloadLen are filled in from
// the arguments.
func SendMessage(s *unet.Socket, h Header, payload []byte, fds []int) error {
	if len(fds) > MaxFDs {
		return fmt.Errorf("too many descriptors (%d): %w", len(fds), unix.EINVAL)
	}
	h.NumFDs = uint32(len(fds))
	h.PayloadLen = uint32(len(payload))

	buf := make([]byte, HeaderLen+len(payload))
	h.MarshalBytes(buf)
	copy(buf[HeaderLen:], payload)

	w := s.Writer()
	if len(fds) > 0 {
		w.PackFDs(fds...)
	}
	for n := 0; n < len(buf); {
		cur, err := w.Write(buf[n:])
		if err != nil {
			return err
		}
		n += cur
		// Don't resend the control message on a continuation write.
		w.UnpackFDs()
	}
	return nil
}

// ReceiveMessage reads one message from s. Any transferred descriptors are
// owned by the returned Message.
func ReceiveMessage(s *unet.Socket) (*Message, error) {
	var hdr [HeaderLen]byte
	fds, err := readFull(s, hdr[:], MaxFDs)
	if err != nil {
		return nil, err
	}

	m := &Message{}
	m.Header.UnmarshalBytes(hdr[:])
	for _, rawFD := range fds {
		m.FDs = append(m.FDs, fd.New(rawFD))
	}

	if int(m.NumFDs) != len(m.FDs) {
		m.CloseFDs()
		return nil, fmt.Errorf("message declared %d descriptors, received %d: %w", m.NumFDs, len(m.FDs), unix.EIO)
	}

	if m.PayloadLen > 0 {
		m.Payload = make([]byte, m.PayloadLen)
		if _, err := readFull(s, m.Payload, 0); err != nil {
			m.CloseFDs()
			return nil, err
		}
	}
	return m, nil
}

// readFull fills buf from the socket, collecting descriptors attached to the
// first successful read when wantFDs is positive.
func readFull(s *unet.Socket, buf []byte, wantFDs int) ([]int, error) {
	r := s.Reader()
	r.EnableFDs(wantFDs)

	var (
		fds    []int
		fdInit bool
	)
	for got := 0; got < len(buf); {
		cur, err := r.Read(buf[got:])
		if err != nil && (err != io.EOF || cur == 0) {
			r.CloseFDs()
			closeFDs(fds)
			return nil, err
		}

		if !fdInit && cur > 0 {
			fds, err = r.ExtractFDs()
			if err != nil {
				return nil, err
			}
			fdInit = true
			r.EnableFDs(0)
		}

		got += cur
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
