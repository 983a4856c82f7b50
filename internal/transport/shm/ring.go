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

// Package shm implements the shared-memory ring transport: a fixed-capacity
// slot array per direction, futex-driven notification in place of a
// hypervisor event channel, and the segment/connection plumbing that wires
// two rings into one bidirectional link between a broker and a tenant.
package shm

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrRingFull is returned by the non-blocking write path when the ring has
// no free slot.
var ErrRingFull = errors.New("shm: ring full")

// ErrRingEmpty is returned by the non-blocking read path when the ring has
// no pending message.
var ErrRingEmpty = errors.New("shm: ring empty")

// ErrFrameTooLarge is returned when a frame does not fit in a single slot.
var ErrFrameTooLarge = errors.New("shm: frame exceeds slot capacity")

// ErrRingClosed is returned once a ring's Close has been observed by the
// blocking read/write paths.
var ErrRingClosed = errors.New("shm: ring closed")

// ErrTimedOut is returned by the timeout-aware read path when the
// deadline elapses with no message delivered.
var ErrTimedOut = errors.New("shm: read timed out")

// DefaultRingSlots is the default ring capacity in slots. It matches the
// original shared-memory transport's fixed ring size; callers may choose a
// different power-of-two capacity when creating a segment.
const DefaultRingSlots = 32

// DefaultSlotSize is the default per-slot capacity in bytes: a 4-byte
// length prefix plus up to 4092 bytes of frame. A frame larger than that
// (idm.MaxPayloadSize allows far more) is rejected with ErrFrameTooLarge.
const DefaultSlotSize = 4096

// RingHeaderSize is the fixed size in bytes of a RingHeader.
const RingHeaderSize = 64

// slotLengthPrefixSize is the size of the length prefix stored at the head
// of every slot.
const slotLengthPrefixSize = 4

// RingHeader is the atomically-accessed control block that precedes a
// ring's slot array in shared memory. Producer/Consumer are monotonic
// counters, never wrapped; the active slot index is counter & (capacity-1).
type RingHeader struct {
	capacity uint32
	slotSize uint32
	producer uint32
	consumer uint32
	closed   uint32
	_        [44]byte // pad to RingHeaderSize; reserved for future flags
}

func (h *RingHeader) Capacity() uint32 { return atomic.LoadUint32(&h.capacity) }
func (h *RingHeader) SlotSize() uint32 { return atomic.LoadUint32(&h.slotSize) }

func (h *RingHeader) setCapacity(v uint32) { atomic.StoreUint32(&h.capacity, v) }
func (h *RingHeader) setSlotSize(v uint32) { atomic.StoreUint32(&h.slotSize, v) }

func (h *RingHeader) Producer() uint32 { return atomic.LoadUint32(&h.producer) }
func (h *RingHeader) Consumer() uint32 { return atomic.LoadUint32(&h.consumer) }

func (h *RingHeader) IsClosed() bool { return atomic.LoadUint32(&h.closed) != 0 }
func (h *RingHeader) setClosed()     { atomic.StoreUint32(&h.closed, 1) }

// Used reports the number of occupied slots.
func (h *RingHeader) Used() uint32 { return h.Producer() - h.Consumer() }

// IsFull/IsEmpty check the producer-consumer distance against capacity, per
// the ring's full-iff/empty-iff invariants.
func (h *RingHeader) IsFull() bool  { return h.Used() == h.Capacity() }
func (h *RingHeader) IsEmpty() bool { return h.Producer() == h.Consumer() }

// SlotRing is a fixed-capacity, single-producer/single-consumer ring of
// framed messages backed by a byte slice (mmapped shared memory in
// production, a plain heap slice in tests). It owns no memory itself; mem
// must outlive the ring.
type SlotRing struct {
	hdr *RingHeader
	mem []byte // the slot array region only, not including the header
}

// NewSlotRing wraps hdr and the slot-array region mem (len(mem) must equal
// hdr.Capacity()*hdr.SlotSize()) into a SlotRing. The header and memory are
// typically views into a shared-memory Segment; see ringView.Ring in
// shm_segment.go.
func NewSlotRing(hdr *RingHeader, mem []byte) *SlotRing {
	return &SlotRing{hdr: hdr, mem: mem}
}

// InitRingHeader stamps capacity/slotSize into a freshly allocated header.
// capacity must be a power of two.
func InitRingHeader(hdr *RingHeader, capacity, slotSize uint32) {
	hdr.setCapacity(capacity)
	hdr.setSlotSize(slotSize)
	atomic.StoreUint32(&hdr.producer, 0)
	atomic.StoreUint32(&hdr.consumer, 0)
	atomic.StoreUint32(&hdr.closed, 0)
}

func (r *SlotRing) slotOffset(idx uint32) uint32 { return idx * r.hdr.SlotSize() }

func (r *SlotRing) slotAt(idx uint32) []byte {
	off := r.slotOffset(idx)
	return r.mem[off : off+r.hdr.SlotSize()]
}

// Capacity returns the ring's fixed slot count.
func (r *SlotRing) Capacity() uint32 { return r.hdr.Capacity() }

// Used, IsFull, IsEmpty, IsClosed delegate to the header.
func (r *SlotRing) Used() uint32   { return r.hdr.Used() }
func (r *SlotRing) IsFull() bool   { return r.hdr.IsFull() }
func (r *SlotRing) IsEmpty() bool  { return r.hdr.IsEmpty() }
func (r *SlotRing) IsClosed() bool { return r.hdr.IsClosed() }

// RingState is a point-in-time snapshot for diagnostics and tests.
type RingState struct {
	Capacity uint32
	SlotSize uint32
	Producer uint32
	Consumer uint32
	Used     uint32
	Closed   bool
}

// DebugState snapshots the ring's counters.
func (r *SlotRing) DebugState() RingState {
	return RingState{
		Capacity: r.hdr.Capacity(),
		SlotSize: r.hdr.SlotSize(),
		Producer: r.hdr.Producer(),
		Consumer: r.hdr.Consumer(),
		Used:     r.hdr.Used(),
		Closed:   r.hdr.IsClosed(),
	}
}

// Close marks the ring closed and wakes any blocked waiter on either side.
func (r *SlotRing) Close() {
	r.hdr.setClosed()
	futexWake(&r.hdr.producer, 1<<30)
	futexWake(&r.hdr.consumer, 1<<30)
}

// TryWrite attempts a single non-blocking enqueue of frame. It returns
// ErrFrameTooLarge if frame does not fit a slot, ErrRingFull if the ring
// has no free slot right now, or ErrRingClosed if the ring has been closed.
func (r *SlotRing) TryWrite(frame []byte) error {
	if r.hdr.IsClosed() {
		return ErrRingClosed
	}
	if uint32(len(frame)+slotLengthPrefixSize) > r.hdr.SlotSize() {
		return ErrFrameTooLarge
	}
	prod := r.hdr.Producer()
	cons := r.hdr.Consumer()
	if prod-cons == r.hdr.Capacity() {
		return ErrRingFull
	}
	idx := prod & (r.hdr.Capacity() - 1)
	slot := r.slotAt(idx)
	binary.LittleEndian.PutUint32(slot[:slotLengthPrefixSize], uint32(len(frame)))
	copy(slot[slotLengthPrefixSize:], frame)

	// Release: the payload write must be visible before producer advances.
	atomic.StoreUint32(&r.hdr.producer, prod+1)
	if cons == prod {
		// Woke a consumer that may be parked on an empty ring.
		futexWake(&r.hdr.producer, 1)
	}
	return nil
}

// TryRead attempts a single non-blocking dequeue into a fresh buffer. It
// returns ErrRingEmpty if nothing is pending, or ErrRingClosed once the
// ring is both closed and drained.
func (r *SlotRing) TryRead() ([]byte, error) {
	cons := r.hdr.Consumer()
	prod := r.hdr.Producer()
	if cons == prod {
		if r.hdr.IsClosed() {
			return nil, ErrRingClosed
		}
		return nil, ErrRingEmpty
	}
	idx := cons & (r.hdr.Capacity() - 1)
	slot := r.slotAt(idx)
	n := binary.LittleEndian.Uint32(slot[:slotLengthPrefixSize])
	out := make([]byte, n)
	copy(out, slot[slotLengthPrefixSize:slotLengthPrefixSize+n])

	wasFull := prod-cons == r.hdr.Capacity()
	atomic.StoreUint32(&r.hdr.consumer, cons+1)
	if wasFull {
		futexWake(&r.hdr.consumer, 1)
	}
	return out, nil
}

// WriteBlocking enqueues frame, parking on the consumer futex while the
// ring is full and waking the peer on every empty-to-nonempty transition.
func (r *SlotRing) WriteBlocking(frame []byte) error {
	for {
		seen := r.hdr.Consumer()
		err := r.TryWrite(frame)
		switch err {
		case nil:
			return nil
		case ErrRingFull:
			_ = futexWait(&r.hdr.consumer, seen)
		default:
			return err
		}
	}
}

// ReadBlocking dequeues the next frame, parking on the producer futex while
// the ring is empty.
func (r *SlotRing) ReadBlocking() ([]byte, error) {
	for {
		seen := r.hdr.Producer()
		frame, err := r.TryRead()
		switch err {
		case nil:
			return frame, nil
		case ErrRingEmpty:
			_ = futexWait(&r.hdr.producer, seen)
		default:
			return nil, err
		}
	}
}

// ReadBlockingTimeout dequeues the next frame, returning ErrTimedOut if none
// arrives within timeout. timeout<=0 blocks indefinitely.
func (r *SlotRing) ReadBlockingTimeout(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return r.ReadBlocking()
	}
	deadline := time.Now().Add(timeout)
	for {
		seen := r.hdr.Producer()
		frame, err := r.TryRead()
		switch err {
		case nil:
			return frame, nil
		case ErrRingEmpty:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimedOut
			}
			if ferr := futexWaitTimeout(&r.hdr.producer, seen, int64(remaining)); errors.Is(ferr, ErrFutexTimeout) {
				return nil, ErrTimedOut
			}
		default:
			return nil, err
		}
	}
}

// headerFromBytes views a RingHeaderSize-byte slice as a *RingHeader
// in-place. mem must be at least RingHeaderSize bytes and stay alive for as
// long as the returned pointer is used.
func headerFromBytes(mem []byte) *RingHeader {
	return (*RingHeader)(unsafe.Pointer(&mem[0]))
}
