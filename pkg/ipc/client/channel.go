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
	"github.com/NFS-Project/xd-frameworks-native/pkg/eventfd"
)

// Channel is an established connection to an endpoint. The underlying
// descriptors are owned by the channel's manager and released by Close.
type Channel struct {
	manager *ChannelManager
	handle  HandleID
}

// NewChannel wraps a registered handle in a Channel.
func NewChannel(manager *ChannelManager, handle HandleID) *Channel {
	return &Channel{manager: manager, handle: handle}
}

// Handle returns the channel's handle.
func (c *Channel) Handle() HandleID {
	return c.handle
}

// FD returns the channel's data socket descriptor, or -1 if the channel has
// been closed. The manager retains ownership.
func (c *Channel) FD() int {
	fds, ok := c.manager.lookup(c.handle)
	if !ok {
		return -1
	}
	return fds.data
}

// Event returns the channel's event descriptor for signal waiting. The
// manager retains ownership; the returned Eventfd must not be closed.
func (c *Channel) Event() eventfd.Eventfd {
	fds, ok := c.manager.lookup(c.handle)
	if !ok {
		return eventfd.Wrap(-1)
	}
	return eventfd.Wrap(fds.event)
}

// Close releases the channel's descriptors.
func (c *Channel) Close() error {
	return c.manager.CloseHandle(c.handle)
}
