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
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// Memory layout constants for a two-ring shared-memory segment: one ring
// carries requests from the tenant zone to the broker zone, the other
// carries responses back.
const (
	// SegmentMagic identifies a segment as an IDM shared-memory region.
	SegmentMagic = "IDMSHM\x00\x00"

	// SegmentVersion is the current segment layout version.
	SegmentVersion = uint32(1)

	// SegmentHeaderSize is the segment header's fixed, 128-byte-aligned size.
	SegmentHeaderSize = 128

	// MinRingSlots is the minimum ring capacity a segment may declare.
	MinRingSlots = 8
)

// Platform-specific functions (implemented in platform-specific files).
var (
	// unmapMemory unmaps a memory-mapped region.
	unmapMemory func([]byte) error
)

// SegmentHeader is the shared-memory segment header, 128-byte aligned.
type SegmentHeader struct {
	magic        [8]byte  // 0x00: SegmentMagic
	version      uint32   // 0x08: SegmentVersion
	flags        uint32   // 0x0C: reserved flags
	totalSize    uint64   // 0x10: total segment size
	reqRingOff   uint64   // 0x18: offset to the request ring's header
	reqRingCap   uint64   // 0x20: request ring capacity (slots, power of 2)
	respRingOff  uint64   // 0x28: offset to the response ring's header
	respRingCap  uint64   // 0x30: response ring capacity (slots, power of 2)
	brokerPID    uint32   // 0x38: broker process ID
	tenantPID    uint32   // 0x3C: tenant process ID
	brokerReady  uint32   // 0x40: broker-attached flag (0->1)
	tenantReady  uint32   // 0x44: tenant-attached flag (0->1)
	closed       uint32   // 0x48: closed flag (0 open, 1 closed)
	pad          uint32   // 0x4C: padding
	reserved     [48]byte // 0x50-0x7F: reserved, padding to SegmentHeaderSize
}

func (h *SegmentHeader) Magic() [8]byte     { return h.magic }
func (h *SegmentHeader) SetMagic(m [8]byte) { h.magic = m }

func (h *SegmentHeader) Version() uint32     { return atomic.LoadUint32(&h.version) }
func (h *SegmentHeader) SetVersion(v uint32) { atomic.StoreUint32(&h.version, v) }

func (h *SegmentHeader) TotalSize() uint64     { return atomic.LoadUint64(&h.totalSize) }
func (h *SegmentHeader) SetTotalSize(v uint64) { atomic.StoreUint64(&h.totalSize, v) }

func (h *SegmentHeader) ReqRingOffset() uint64     { return atomic.LoadUint64(&h.reqRingOff) }
func (h *SegmentHeader) SetReqRingOffset(v uint64) { atomic.StoreUint64(&h.reqRingOff, v) }

func (h *SegmentHeader) ReqRingCapacity() uint64     { return atomic.LoadUint64(&h.reqRingCap) }
func (h *SegmentHeader) SetReqRingCapacity(v uint64) { atomic.StoreUint64(&h.reqRingCap, v) }

func (h *SegmentHeader) RespRingOffset() uint64     { return atomic.LoadUint64(&h.respRingOff) }
func (h *SegmentHeader) SetRespRingOffset(v uint64) { atomic.StoreUint64(&h.respRingOff, v) }

func (h *SegmentHeader) RespRingCapacity() uint64     { return atomic.LoadUint64(&h.respRingCap) }
func (h *SegmentHeader) SetRespRingCapacity(v uint64) { atomic.StoreUint64(&h.respRingCap, v) }

func (h *SegmentHeader) BrokerPID() uint32     { return atomic.LoadUint32(&h.brokerPID) }
func (h *SegmentHeader) SetBrokerPID(v uint32) { atomic.StoreUint32(&h.brokerPID, v) }

func (h *SegmentHeader) TenantPID() uint32     { return atomic.LoadUint32(&h.tenantPID) }
func (h *SegmentHeader) SetTenantPID(v uint32) { atomic.StoreUint32(&h.tenantPID, v) }

func (h *SegmentHeader) BrokerReady() bool { return atomic.LoadUint32(&h.brokerReady) != 0 }
func (h *SegmentHeader) SetBrokerReady(ready bool) {
	atomic.StoreUint32(&h.brokerReady, boolToUint32(ready))
}

func (h *SegmentHeader) TenantReady() bool { return atomic.LoadUint32(&h.tenantReady) != 0 }
func (h *SegmentHeader) SetTenantReady(ready bool) {
	atomic.StoreUint32(&h.tenantReady, boolToUint32(ready))
}

func (h *SegmentHeader) Closed() bool { return atomic.LoadUint32(&h.closed) != 0 }
func (h *SegmentHeader) SetClosed(closed bool) {
	atomic.StoreUint32(&h.closed, boolToUint32(closed))
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool { return n > 0 && (n&(n-1)) == 0 }

// NextPowerOfTwo returns the smallest power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

func alignTo64(size uint64) uint64 { return (size + 63) &^ 63 }

// CalculateSegmentLayout computes the total segment size and the byte
// offset of each ring's header, given each ring's slot capacity and slot
// size. Both capacities must be powers of two and at least MinRingSlots.
func CalculateSegmentLayout(reqCap, reqSlotSize, respCap, respSlotSize uint64) (totalSize, reqOff, respOff uint64, err error) {
	if !IsPowerOfTwo(reqCap) {
		return 0, 0, 0, fmt.Errorf("shm: request ring capacity %d is not a power of two", reqCap)
	}
	if !IsPowerOfTwo(respCap) {
		return 0, 0, 0, fmt.Errorf("shm: response ring capacity %d is not a power of two", respCap)
	}
	if reqCap < MinRingSlots {
		return 0, 0, 0, fmt.Errorf("shm: request ring capacity %d is below minimum %d", reqCap, MinRingSlots)
	}
	if respCap < MinRingSlots {
		return 0, 0, 0, fmt.Errorf("shm: response ring capacity %d is below minimum %d", respCap, MinRingSlots)
	}

	reqOff = alignTo64(SegmentHeaderSize)
	respOff = alignTo64(reqOff + RingHeaderSize + reqCap*reqSlotSize)
	totalSize = alignTo64(respOff + RingHeaderSize + respCap*respSlotSize)
	return totalSize, reqOff, respOff, nil
}

// ValidateSegmentHeader checks h for a consistent, supported layout.
func ValidateSegmentHeader(h *SegmentHeader) error {
	if h.Magic() != [8]byte{'I', 'D', 'M', 'S', 'H', 'M', 0, 0} {
		return fmt.Errorf("shm: invalid segment magic")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("shm: unsupported segment version %d, want %d", h.Version(), SegmentVersion)
	}
	if !IsPowerOfTwo(h.ReqRingCapacity()) || !IsPowerOfTwo(h.RespRingCapacity()) {
		return fmt.Errorf("shm: ring capacities must be powers of two")
	}
	if h.ReqRingCapacity() < MinRingSlots || h.RespRingCapacity() < MinRingSlots {
		return fmt.Errorf("shm: ring capacity below minimum %d", MinRingSlots)
	}
	return nil
}

// Segment is a mapped shared-memory region carrying one request ring and
// one response ring between a single broker/tenant zone pair.
type Segment struct {
	File *os.File  // backing file descriptor
	Mem  []byte    // memory-mapped region
	H    *hdrView  // typed view of the segment header
	Req  *ringView // typed view of the request ring (tenant -> broker)
	Resp *ringView // typed view of the response ring (broker -> tenant)
	Path string
}

// hdrView provides typed access to the segment header via pointer
// arithmetic over the mapped region, following the original segment's
// base-pointer-plus-offset view pattern.
type hdrView struct {
	basePtr unsafe.Pointer
}

// ringView provides typed access to one ring's header and slot array via
// pointer arithmetic.
type ringView struct {
	basePtr unsafe.Pointer
	offset  uint64
}

// Close unmaps the segment's memory and closes its backing file.
func (s *Segment) Close() error {
	var firstErr error
	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}
	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}
	return firstErr
}

func (h *hdrView) header() *SegmentHeader { return (*SegmentHeader)(h.basePtr) }

func (h *hdrView) Magic() [8]byte      { return h.header().Magic() }
func (h *hdrView) SetMagic(m [8]byte)  { h.header().SetMagic(m) }
func (h *hdrView) Version() uint32     { return h.header().Version() }
func (h *hdrView) SetVersion(v uint32) { h.header().SetVersion(v) }
func (h *hdrView) TotalSize() uint64   { return h.header().TotalSize() }

func (h *hdrView) SetTotalSize(v uint64)         { h.header().SetTotalSize(v) }
func (h *hdrView) ReqRingOffset() uint64         { return h.header().ReqRingOffset() }
func (h *hdrView) SetReqRingOffset(v uint64)     { h.header().SetReqRingOffset(v) }
func (h *hdrView) ReqRingCapacity() uint64        { return h.header().ReqRingCapacity() }
func (h *hdrView) SetReqRingCapacity(v uint64)   { h.header().SetReqRingCapacity(v) }
func (h *hdrView) RespRingOffset() uint64        { return h.header().RespRingOffset() }
func (h *hdrView) SetRespRingOffset(v uint64)    { h.header().SetRespRingOffset(v) }
func (h *hdrView) RespRingCapacity() uint64      { return h.header().RespRingCapacity() }
func (h *hdrView) SetRespRingCapacity(v uint64)  { h.header().SetRespRingCapacity(v) }
func (h *hdrView) BrokerPID() uint32             { return h.header().BrokerPID() }
func (h *hdrView) SetBrokerPID(v uint32)         { h.header().SetBrokerPID(v) }
func (h *hdrView) TenantPID() uint32             { return h.header().TenantPID() }
func (h *hdrView) SetTenantPID(v uint32)         { h.header().SetTenantPID(v) }
func (h *hdrView) BrokerReady() bool             { return h.header().BrokerReady() }
func (h *hdrView) SetBrokerReady(ready bool)     { h.header().SetBrokerReady(ready) }
func (h *hdrView) TenantReady() bool             { return h.header().TenantReady() }
func (h *hdrView) SetTenantReady(ready bool)     { h.header().SetTenantReady(ready) }
func (h *hdrView) Closed() bool                  { return h.header().Closed() }
func (h *hdrView) SetClosed(closed bool)         { h.header().SetClosed(closed) }

// IsValidSharedMemorySegment reports whether this view's header carries the
// magic and version this build understands.
func (h *hdrView) IsValidSharedMemorySegment() bool {
	magic := h.header().Magic()
	return string(magic[:]) == SegmentMagic && h.header().Version() == SegmentVersion
}

func (r *ringView) header() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(uintptr(r.basePtr) + uintptr(r.offset)))
}

// slotArea returns the byte slice spanning the ring's slot array, given the
// total mapped region length (needed because Go slices must be length-
// bounded; callers pass the segment's Mem).
func (r *ringView) slotArea(mem []byte) []byte {
	start := r.offset + RingHeaderSize
	h := r.header()
	end := start + uint64(h.Capacity())*uint64(h.SlotSize())
	return mem[start:end]
}

// Ring builds a *SlotRing over this view's header and slot array.
func (r *ringView) Ring(mem []byte) *SlotRing {
	return NewSlotRing(r.header(), r.slotArea(mem))
}

// RemoveSegment removes a named segment's backing file from either of the
// paths this package may have created it under.
func RemoveSegment(name string) error {
	paths := []string{
		"/dev/shm/idm_shm_" + name,
		os.TempDir() + "/idm_shm_" + name,
	}
	var lastErr error
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// SegmentExists reports whether a named segment's backing file exists.
func SegmentExists(name string) bool {
	paths := []string{
		"/dev/shm/idm_shm_" + name,
		os.TempDir() + "/idm_shm_" + name,
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// GenerateSegmentName returns a fresh, collision-resistant segment name for
// a broker that provisions zone connections dynamically rather than under a
// caller-chosen fixed name (e.g. one segment per accepted tenant, rather
// than the single well-known "broker" segment a one-tenant dev harness
// uses).
func GenerateSegmentName() string {
	return uuid.NewString()
}
