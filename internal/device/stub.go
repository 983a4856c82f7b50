package device

import (
	"fmt"
	"sync"
)

// Stub is an in-process pseudo-GPU: every "device" allocation is a plain
// Go byte slice in host memory. It implements Driver well enough to drive
// the broker end to end without a real CUDA runtime, the same role the
// original's STUB_CUDA macro-based fakes played (handlers.c): malloc in
// place of cuMemAlloc, memcpy in place of cuMemcpyHtoD/DtoH, free in place
// of cuMemFree.
type Stub struct {
	mu        sync.Mutex
	nextRef   uint64
	mem       map[uint64][]byte
	totalSize uint64
	devices   []Info
}

// NewStub constructs a Stub exposing a single virtual device.
func NewStub() *Stub {
	return &Stub{
		mem: make(map[uint64][]byte),
		devices: []Info{
			{Name: "stub-gpu-0", TotalMemory: 8 << 30},
		},
	}
}

func (s *Stub) Init() error { return nil }

func (s *Stub) DeviceCount() (int, error) { return len(s.devices), nil }

func (s *Stub) DeviceInfo(idx int) (Info, error) {
	if idx < 0 || idx >= len(s.devices) {
		return Info{}, &Error{Code: 1, Message: "invalid device index"}
	}
	return s.devices[idx], nil
}

func (s *Stub) Alloc(size uint64) (interface{}, error) {
	if size == 0 {
		return nil, &Error{Code: 2, Message: "zero-size allocation"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRef++
	ref := s.nextRef
	s.mem[ref] = make([]byte, size)
	s.totalSize += size
	return ref, nil
}

func (s *Stub) Free(ref interface{}) error {
	r, err := s.toRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.mem[r]
	if !ok {
		return &Error{Code: 3, Message: "free of unknown allocation"}
	}
	s.totalSize -= uint64(len(buf))
	delete(s.mem, r)
	return nil
}

func (s *Stub) CopyHostToDevice(ref interface{}, offset uint64, data []byte) error {
	r, err := s.toRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.mem[r]
	if !ok {
		return &Error{Code: 3, Message: "copy to unknown allocation"}
	}
	if !withinBounds(offset, uint64(len(data)), uint64(len(buf))) {
		return &Error{Code: 4, Message: "copy exceeds allocation bounds"}
	}
	copy(buf[offset:], data)
	return nil
}

func (s *Stub) CopyDeviceToHost(ref interface{}, offset uint64, size uint64) ([]byte, error) {
	r, err := s.toRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.mem[r]
	if !ok {
		return nil, &Error{Code: 3, Message: "copy from unknown allocation"}
	}
	if !withinBounds(offset, size, uint64(len(buf))) {
		return nil, &Error{Code: 4, Message: "copy exceeds allocation bounds"}
	}
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, nil
}

func (s *Stub) CopyDeviceToDevice(dst interface{}, dstOffset uint64, src interface{}, srcOffset uint64, size uint64) error {
	dr, err := s.toRef(dst)
	if err != nil {
		return err
	}
	sr, err := s.toRef(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dbuf, ok := s.mem[dr]
	if !ok {
		return &Error{Code: 3, Message: "d2d destination unknown"}
	}
	sbuf, ok := s.mem[sr]
	if !ok {
		return &Error{Code: 3, Message: "d2d source unknown"}
	}
	if !withinBounds(dstOffset, size, uint64(len(dbuf))) || !withinBounds(srcOffset, size, uint64(len(sbuf))) {
		return &Error{Code: 4, Message: "d2d copy exceeds allocation bounds"}
	}
	copy(dbuf[dstOffset:dstOffset+size], sbuf[srcOffset:srcOffset+size])
	return nil
}

func (s *Stub) Memset(ref interface{}, offset uint64, value byte, size uint64) error {
	r, err := s.toRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.mem[r]
	if !ok {
		return &Error{Code: 3, Message: "memset of unknown allocation"}
	}
	if !withinBounds(offset, size, uint64(len(buf))) {
		return &Error{Code: 4, Message: "memset exceeds allocation bounds"}
	}
	target := buf[offset : offset+size]
	for i := range target {
		target[i] = value
	}
	return nil
}

func (s *Stub) Synchronize() error { return nil }

func (s *Stub) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = make(map[uint64][]byte)
	s.totalSize = 0
	return nil
}

// withinBounds reports whether [offset, offset+size) fits inside a
// buf-byte allocation without forming offset+size, which wraps for an
// offset near 2^64 and would otherwise let a crafted pair slip past the
// check straight into a slice-bounds panic.
func withinBounds(offset, size, buf uint64) bool {
	return size <= buf && offset <= buf-size
}

func (s *Stub) toRef(ref interface{}) (uint64, error) {
	r, ok := ref.(uint64)
	if !ok {
		return 0, &Error{Code: 99, Message: fmt.Sprintf("unexpected ref type %T", ref)}
	}
	return r, nil
}
