/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned by Send/Recv once Close has been called
// or observed on the peer's half of the connection.
var ErrConnectionClosed = errors.New("shm: connection closed")

// Connection is a duplex link between a broker zone and a tenant zone,
// backed by a Segment's two slot rings. The broker reads the request ring
// and writes the response ring; the tenant does the opposite.
type Connection struct {
	seg      *Segment
	readR    *SlotRing
	writeR   *SlotRing
	closed   atomic.Bool
	isBroker bool
}

// NewBrokerConn builds the broker side of seg: reads the request ring
// (tenant -> broker), writes the response ring (broker -> tenant).
func NewBrokerConn(seg *Segment) *Connection {
	return &Connection{
		seg:      seg,
		readR:    seg.Req.Ring(seg.Mem),
		writeR:   seg.Resp.Ring(seg.Mem),
		isBroker: true,
	}
}

// NewTenantConn builds the tenant side of seg: reads the response ring
// (broker -> tenant), writes the request ring (tenant -> broker).
func NewTenantConn(seg *Segment) *Connection {
	return &Connection{
		seg:      seg,
		readR:    seg.Resp.Ring(seg.Mem),
		writeR:   seg.Req.Ring(seg.Mem),
		isBroker: false,
	}
}

// Send enqueues a single framed message, blocking while the write ring is
// full.
func (c *Connection) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.writeR.WriteBlocking(frame); err != nil {
		if errors.Is(err, ErrRingClosed) || c.closed.Load() {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Recv blocks until a message is available, the connection is closed, or
// timeout elapses (timeout<=0 blocks indefinitely).
func (c *Connection) Recv(timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	frame, err := c.readR.ReadBlockingTimeout(timeout)
	if err != nil {
		if errors.Is(err, ErrRingClosed) || c.closed.Load() {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return frame, nil
}

// Close marks both rings closed, wakes any blocked peer, and releases the
// segment. The broker side (the segment's creator) unlinks the backing
// file; the tenant side only unmaps.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.readR.Close()
	c.writeR.Close()
	c.seg.H.SetClosed(true)

	if c.isBroker {
		if err := c.seg.Close(); err != nil {
			return err
		}
		return RemoveSegment(segmentNameFromPath(c.seg.Path))
	}
	return c.seg.Close()
}

func segmentNameFromPath(path string) string {
	const prefix = "idm_shm_"
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			name := path[i+1:]
			if len(name) > len(prefix) && name[:len(prefix)] == prefix {
				return name[len(prefix):]
			}
			return name
		}
	}
	return path
}
