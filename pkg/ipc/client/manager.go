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
	"sync"

	"golang.org/x/sys/unix"
)

// HandleID identifies a channel's descriptor pair within a ChannelManager.
type HandleID int32

// InvalidHandle is never returned by CreateHandle.
const InvalidHandle HandleID = -1

// channelFDs is a registered descriptor pair. Both descriptors are owned by
// the manager.
type channelFDs struct {
	data  int
	event int
}

// ChannelManager owns the descriptor pairs backing open channels.
type ChannelManager struct {
	// mu protects fields below.
	mu sync.Mutex

	// next is the next handle to hand out.
	next HandleID

	// channels maps live handles to their descriptors.
	channels map[HandleID]channelFDs
}

// NewChannelManager returns an empty manager.
func NewChannelManager() *ChannelManager {
	return &ChannelManager{
		channels: make(map[HandleID]channelFDs),
	}
}

// defaultManager backs channels created through New.
var defaultManager = NewChannelManager()

// DefaultManager returns the process-wide manager.
func DefaultManager() *ChannelManager {
	return defaultManager
}

// CreateHandle registers a (data socket, event descriptor) pair and returns
// its handle. The manager takes ownership of both descriptors.
func (m *ChannelManager) CreateHandle(dataFD, eventFD int) HandleID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.channels[id] = channelFDs{data: dataFD, event: eventFD}
	return id
}

// CloseHandle closes both descriptors of a handle and forgets it. Closing an
// unknown handle returns EBADF.
func (m *ChannelManager) CloseHandle(id HandleID) error {
	m.mu.Lock()
	c, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if !ok {
		return unix.EBADF
	}
	err := unix.Close(c.data)
	if err2 := unix.Close(c.event); err == nil {
		err = err2
	}
	return err
}

// lookup returns the descriptor pair for a handle. The descriptors remain
// owned by the manager.
func (m *ChannelManager) lookup(id HandleID) (channelFDs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	return c, ok
}
