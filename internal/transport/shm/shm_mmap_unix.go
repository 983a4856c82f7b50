//go:build linux && (amd64 || arm64)

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
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	unmapMemory = munmapImpl
}

// SegmentConfig describes the slot geometry of the two rings a segment
// provisions. Both capacities must be powers of two.
type SegmentConfig struct {
	ReqCapacity  uint64
	ReqSlotSize  uint64
	RespCapacity uint64
	RespSlotSize uint64
}

// DefaultSegmentConfig returns the geometry used when a caller does not
// need a non-default ring size: DefaultRingSlots slots of DefaultSlotSize
// bytes each, symmetric in both directions.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		ReqCapacity:  DefaultRingSlots,
		ReqSlotSize:  DefaultSlotSize,
		RespCapacity: DefaultRingSlots,
		RespSlotSize: DefaultSlotSize,
	}
}

// CreateSegment creates a new shared-memory segment for the broker side of
// a zone pair and marks the broker half ready.
func CreateSegment(name string, cfg SegmentConfig) (*Segment, error) {
	path := generateSegmentPath(name)

	totalSize, reqOff, respOff, err := CalculateSegmentLayout(cfg.ReqCapacity, cfg.ReqSlotSize, cfg.RespCapacity, cfg.RespSlotSize)
	if err != nil {
		return nil, fmt.Errorf("shm: layout calculation failed: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: failed to create segment file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: failed to mmap segment: %w", err)
	}

	seg := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
		H:    &hdrView{basePtr: unsafe.Pointer(&mem[0])},
		Req:  &ringView{basePtr: unsafe.Pointer(&mem[0]), offset: reqOff},
		Resp: &ringView{basePtr: unsafe.Pointer(&mem[0]), offset: respOff},
	}

	seg.H.SetMagic([8]byte{'I', 'D', 'M', 'S', 'H', 'M', 0, 0})
	seg.H.SetVersion(SegmentVersion)
	seg.H.SetTotalSize(totalSize)
	seg.H.SetReqRingOffset(reqOff)
	seg.H.SetReqRingCapacity(cfg.ReqCapacity)
	seg.H.SetRespRingOffset(respOff)
	seg.H.SetRespRingCapacity(cfg.RespCapacity)
	seg.H.SetBrokerPID(uint32(os.Getpid()))
	seg.H.SetBrokerReady(true)

	InitRingHeader(seg.Req.header(), uint32(cfg.ReqCapacity), uint32(cfg.ReqSlotSize))
	InitRingHeader(seg.Resp.header(), uint32(cfg.RespCapacity), uint32(cfg.RespSlotSize))

	return seg, nil
}

// OpenSegment opens an existing segment for the tenant side of a zone pair
// and marks the tenant half ready.
func OpenSegment(name string) (*Segment, error) {
	path := generateSegmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: failed to stat segment file: %w", err)
	}
	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("shm: segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: failed to mmap segment: %w", err)
	}

	hdr := &hdrView{basePtr: unsafe.Pointer(&mem[0])}
	if err := ValidateSegmentHeader((*SegmentHeader)(hdr.basePtr)); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("shm: invalid segment header: %w", err)
	}

	seg := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
		H:    hdr,
		Req:  &ringView{basePtr: unsafe.Pointer(&mem[0]), offset: hdr.ReqRingOffset()},
		Resp: &ringView{basePtr: unsafe.Pointer(&mem[0]), offset: hdr.RespRingOffset()},
	}

	seg.H.SetTenantPID(uint32(os.Getpid()))
	seg.H.SetTenantReady(true)

	return seg, nil
}

func generateSegmentPath(name string) string {
	shmPath := filepath.Join("/dev/shm", "idm_shm_"+name)
	if isDevShmAvailable() {
		return shmPath
	}
	return filepath.Join(os.TempDir(), "idm_shm_"+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	fd := int(file.Fd())
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap failed: %w", err)
	}
	return data, nil
}

func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("shm: munmap failed: %w", err)
	}
	return nil
}
