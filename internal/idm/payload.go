package idm

import (
	"encoding/binary"
	"fmt"
)

// Request payload types. Field order and sizes follow the original IDM
// structs (original_source/idm-protocol/idm.h) except where spec §3 names
// a different field order (COPY_D2D), except ErrorResponse's message,
// which is length-prefixed instead of a fixed 256-byte buffer, and except
// OKResponse.ResultValue, which is 64 bits wide — see DESIGN.md for the
// rationale.

// AllocRequest is the ALLOC payload: allocate size bytes of device memory.
type AllocRequest struct {
	Size  uint64
	Flags uint32
}

func (r AllocRequest) encode() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], r.Size)
	binary.LittleEndian.PutUint32(b[8:12], r.Flags)
	return b
}

func decodeAllocRequest(b []byte) (AllocRequest, error) {
	if len(b) < 16 {
		return AllocRequest{}, ErrInvalidFrame
	}
	return AllocRequest{
		Size:  binary.LittleEndian.Uint64(b[0:8]),
		Flags: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// FreeRequest is the FREE payload: release a previously allocated handle.
type FreeRequest struct {
	Handle uint64
}

func (r FreeRequest) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b[0:8], r.Handle)
	return b
}

func decodeFreeRequest(b []byte) (FreeRequest, error) {
	if len(b) < 8 {
		return FreeRequest{}, ErrInvalidFrame
	}
	return FreeRequest{Handle: binary.LittleEndian.Uint64(b[0:8])}, nil
}

// CopyH2DRequest is the COPY_H2D payload: struct fields followed by Size
// bytes of inline source data, laid out as `struct fields || raw bytes`.
type CopyH2DRequest struct {
	DstHandle uint64
	DstOffset uint64
	Size      uint64
	Data      []byte // len(Data) must equal Size
}

const copyH2DHeaderSize = 24

func (r CopyH2DRequest) encode() []byte {
	b := make([]byte, copyH2DHeaderSize+len(r.Data))
	binary.LittleEndian.PutUint64(b[0:8], r.DstHandle)
	binary.LittleEndian.PutUint64(b[8:16], r.DstOffset)
	binary.LittleEndian.PutUint64(b[16:24], r.Size)
	copy(b[copyH2DHeaderSize:], r.Data)
	return b
}

func decodeCopyH2DRequest(b []byte) (CopyH2DRequest, error) {
	if len(b) < copyH2DHeaderSize {
		return CopyH2DRequest{}, ErrInvalidFrame
	}
	r := CopyH2DRequest{
		DstHandle: binary.LittleEndian.Uint64(b[0:8]),
		DstOffset: binary.LittleEndian.Uint64(b[8:16]),
		Size:      binary.LittleEndian.Uint64(b[16:24]),
	}
	data := b[copyH2DHeaderSize:]
	if uint64(len(data)) != r.Size {
		return CopyH2DRequest{}, ErrInvalidFrame
	}
	r.Data = data
	return r, nil
}

// CopyD2HRequest is the COPY_D2H payload: no inline data on the request
// side; the OK response carries the read bytes.
type CopyD2HRequest struct {
	SrcHandle uint64
	SrcOffset uint64
	Size      uint64
}

func (r CopyD2HRequest) encode() []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:8], r.SrcHandle)
	binary.LittleEndian.PutUint64(b[8:16], r.SrcOffset)
	binary.LittleEndian.PutUint64(b[16:24], r.Size)
	return b
}

func decodeCopyD2HRequest(b []byte) (CopyD2HRequest, error) {
	if len(b) < 24 {
		return CopyD2HRequest{}, ErrInvalidFrame
	}
	return CopyD2HRequest{
		SrcHandle: binary.LittleEndian.Uint64(b[0:8]),
		SrcOffset: binary.LittleEndian.Uint64(b[8:16]),
		Size:      binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// CopyD2DRequest is the COPY_D2D payload. Field order follows spec §3:
// dst handle, dst offset, src handle, src offset, size.
type CopyD2DRequest struct {
	DstHandle uint64
	DstOffset uint64
	SrcHandle uint64
	SrcOffset uint64
	Size      uint64
}

func (r CopyD2DRequest) encode() []byte {
	b := make([]byte, 40)
	binary.LittleEndian.PutUint64(b[0:8], r.DstHandle)
	binary.LittleEndian.PutUint64(b[8:16], r.DstOffset)
	binary.LittleEndian.PutUint64(b[16:24], r.SrcHandle)
	binary.LittleEndian.PutUint64(b[24:32], r.SrcOffset)
	binary.LittleEndian.PutUint64(b[32:40], r.Size)
	return b
}

func decodeCopyD2DRequest(b []byte) (CopyD2DRequest, error) {
	if len(b) < 40 {
		return CopyD2DRequest{}, ErrInvalidFrame
	}
	return CopyD2DRequest{
		DstHandle: binary.LittleEndian.Uint64(b[0:8]),
		DstOffset: binary.LittleEndian.Uint64(b[8:16]),
		SrcHandle: binary.LittleEndian.Uint64(b[16:24]),
		SrcOffset: binary.LittleEndian.Uint64(b[24:32]),
		Size:      binary.LittleEndian.Uint64(b[32:40]),
	}, nil
}

// MemsetRequest is the MEMSET payload: fill Size bytes starting at Offset
// with the repeated byte Value.
type MemsetRequest struct {
	Handle uint64
	Offset uint64
	Value  uint8
	Size   uint64
}

func (r MemsetRequest) encode() []byte {
	b := make([]byte, 25)
	binary.LittleEndian.PutUint64(b[0:8], r.Handle)
	binary.LittleEndian.PutUint64(b[8:16], r.Offset)
	b[16] = r.Value
	binary.LittleEndian.PutUint64(b[17:25], r.Size)
	return b
}

func decodeMemsetRequest(b []byte) (MemsetRequest, error) {
	if len(b) < 25 {
		return MemsetRequest{}, ErrInvalidFrame
	}
	return MemsetRequest{
		Handle: binary.LittleEndian.Uint64(b[0:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Value:  b[16],
		Size:   binary.LittleEndian.Uint64(b[17:25]),
	}, nil
}

// SyncRequest is the SYNC payload; no handles are touched.
type SyncRequest struct {
	Flags uint32
}

func (r SyncRequest) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b[0:4], r.Flags)
	return b
}

func decodeSyncRequest(b []byte) (SyncRequest, error) {
	if len(b) < 4 {
		return SyncRequest{}, ErrInvalidFrame
	}
	return SyncRequest{Flags: binary.LittleEndian.Uint32(b[0:4])}, nil
}

// InfoSelector enumerates the GET_INFO selectors this broker understands.
type InfoSelector uint32

const (
	InfoDeviceCount InfoSelector = 0
	InfoDeviceName  InfoSelector = 1
	InfoTotalMemory InfoSelector = 2
)

// GetInfoRequest is the GET_INFO payload.
type GetInfoRequest struct {
	Selector InfoSelector
}

func (r GetInfoRequest) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Selector))
	return b
}

func decodeGetInfoRequest(b []byte) (GetInfoRequest, error) {
	if len(b) < 4 {
		return GetInfoRequest{}, ErrInvalidFrame
	}
	return GetInfoRequest{Selector: InfoSelector(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

// OKResponse is the OK payload: the matching request's sequence number, an
// optional result handle, an optional scalar result, and optional inline
// data (COPY_D2H's read bytes).
type OKResponse struct {
	RequestSeq   uint64
	ResultHandle uint64
	ResultValue  uint64
	Data         []byte
}

const okHeaderSize = 28

func (r OKResponse) encode() []byte {
	b := make([]byte, okHeaderSize+len(r.Data))
	binary.LittleEndian.PutUint64(b[0:8], r.RequestSeq)
	binary.LittleEndian.PutUint64(b[8:16], r.ResultHandle)
	binary.LittleEndian.PutUint64(b[16:24], r.ResultValue)
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(r.Data)))
	copy(b[okHeaderSize:], r.Data)
	return b
}

func decodeOKResponse(b []byte) (OKResponse, error) {
	if len(b) < okHeaderSize {
		return OKResponse{}, ErrInvalidFrame
	}
	r := OKResponse{
		RequestSeq:   binary.LittleEndian.Uint64(b[0:8]),
		ResultHandle: binary.LittleEndian.Uint64(b[8:16]),
		ResultValue:  binary.LittleEndian.Uint64(b[16:24]),
	}
	dataLen := binary.LittleEndian.Uint32(b[24:28])
	rest := b[okHeaderSize:]
	if uint64(len(rest)) != uint64(dataLen) {
		return OKResponse{}, ErrInvalidFrame
	}
	r.Data = rest
	return r, nil
}

// ErrorResponse is the ERROR payload: the matching request's sequence
// number, an error kind, the underlying driver error code (if any), and a
// short human-readable message.
//
// Unlike the original idm_response_error's fixed char[256] buffer, Message
// is length-prefixed: a fixed buffer invites truncation bugs (the original
// uses strncpy without checking the return value) for no wire-compatibility
// benefit once the peer is this same Go implementation on both ends.
type ErrorResponse struct {
	RequestSeq uint64
	ErrorCode  ErrorKind
	DriverCode uint32
	Message    string
}

const errorHeaderSize = 18 // seq(8) + code(4) + driver(4) + msgLen(2)

func (r ErrorResponse) encode() []byte {
	msg := r.Message
	if len(msg) > 65535 {
		msg = msg[:65535]
	}
	b := make([]byte, errorHeaderSize+len(msg))
	binary.LittleEndian.PutUint64(b[0:8], r.RequestSeq)
	binary.LittleEndian.PutUint32(b[8:12], uint32(r.ErrorCode))
	binary.LittleEndian.PutUint32(b[12:16], r.DriverCode)
	binary.LittleEndian.PutUint16(b[16:18], uint16(len(msg)))
	copy(b[errorHeaderSize:], msg)
	return b
}

func decodeErrorResponse(b []byte) (ErrorResponse, error) {
	if len(b) < errorHeaderSize {
		return ErrorResponse{}, ErrInvalidFrame
	}
	r := ErrorResponse{
		RequestSeq: binary.LittleEndian.Uint64(b[0:8]),
		ErrorCode:  ErrorKind(binary.LittleEndian.Uint32(b[8:12])),
		DriverCode: binary.LittleEndian.Uint32(b[12:16]),
	}
	msgLen := binary.LittleEndian.Uint16(b[16:18])
	rest := b[errorHeaderSize:]
	if len(rest) != int(msgLen) {
		return ErrorResponse{}, ErrInvalidFrame
	}
	r.Message = string(rest)
	return r, nil
}

// Error implements the error interface so ErrorResponse can be returned
// directly by the client stub.
func (r ErrorResponse) Error() string {
	return fmt.Sprintf("idm: %s (driver_code=%d): %s", r.ErrorCode, r.DriverCode, r.Message)
}
