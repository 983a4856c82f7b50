package idm

import (
	"fmt"
	"sync/atomic"
)

// Frame is a fully decoded wire message: a validated Header paired with its
// raw payload bytes. Handlers that need the typed payload call the
// corresponding typed accessor on Frame (e.g. f.AllocRequest()).
type Frame struct {
	Header  Header
	Payload []byte
}

// payloadEncoder is implemented by every typed request/response payload.
type payloadEncoder interface {
	encode() []byte
}

// BuildFrame assembles a Frame from a typed payload, stamping the header
// with the given source/destination zones, kind, and sequence number.
// Kind must agree with the concrete type of payload; callers should use the
// BuildXxx convenience wrappers below rather than call this directly with
// a mismatched pair.
func BuildFrame(kind Kind, srcZone, dstZone ZoneID, seq uint64, payload payloadEncoder) Frame {
	body := payload.encode()
	return Frame{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			Kind:       kind,
			SrcZone:    srcZone,
			DstZone:    dstZone,
			SeqNum:     seq,
			PayloadLen: uint32(len(body)),
		},
		Payload: body,
	}
}

// Encode serializes f as HeaderSize+len(Payload) bytes, header first.
func (f Frame) Encode() []byte {
	b := make([]byte, HeaderSize+len(f.Payload))
	encodeHeaderTo(b[:HeaderSize], f.Header)
	copy(b[HeaderSize:], f.Payload)
	return b
}

// ParseFrame decodes and validates a wire frame: the header must pass
// Validate, and PayloadLen must match the number of bytes actually present
// after the header.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, ErrInvalidFrame
	}
	h, err := decodeHeader(b[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}
	if err := h.Validate(); err != nil {
		return Frame{}, err
	}
	body := b[HeaderSize:]
	if uint64(len(body)) != uint64(h.PayloadLen) {
		return Frame{}, ErrInvalidFrame
	}
	return Frame{Header: h, Payload: body}, nil
}

// DecodePayload decodes f.Payload according to f.Header.Kind, returning one
// of the typed *Request/*Response structs as an untyped interface{}. Callers
// that already know the kind should call the specific decode* accessor
// instead (e.g. f.AllocRequest()) to avoid a type switch.
func (f Frame) DecodePayload() (interface{}, error) {
	switch f.Header.Kind {
	case KindAlloc:
		return decodeAllocRequest(f.Payload)
	case KindFree:
		return decodeFreeRequest(f.Payload)
	case KindCopyH2D:
		return decodeCopyH2DRequest(f.Payload)
	case KindCopyD2H:
		return decodeCopyD2HRequest(f.Payload)
	case KindCopyD2D:
		return decodeCopyD2DRequest(f.Payload)
	case KindMemset:
		return decodeMemsetRequest(f.Payload)
	case KindSync:
		return decodeSyncRequest(f.Payload)
	case KindGetInfo:
		return decodeGetInfoRequest(f.Payload)
	case KindOK:
		return decodeOKResponse(f.Payload)
	case KindError:
		return decodeErrorResponse(f.Payload)
	default:
		return nil, fmt.Errorf("idm: unknown kind %s: %w", f.Header.Kind, ErrInvalidFrame)
	}
}

// AllocRequest and the accessors below decode f.Payload as the named type,
// returning ErrInvalidFrame if the payload fails to decode. They do not
// check f.Header.Kind.
func (f Frame) AllocRequest() (AllocRequest, error)       { return decodeAllocRequest(f.Payload) }
func (f Frame) FreeRequest() (FreeRequest, error)         { return decodeFreeRequest(f.Payload) }
func (f Frame) CopyH2DRequest() (CopyH2DRequest, error)   { return decodeCopyH2DRequest(f.Payload) }
func (f Frame) CopyD2HRequest() (CopyD2HRequest, error)   { return decodeCopyD2HRequest(f.Payload) }
func (f Frame) CopyD2DRequest() (CopyD2DRequest, error)   { return decodeCopyD2DRequest(f.Payload) }
func (f Frame) MemsetRequest() (MemsetRequest, error)     { return decodeMemsetRequest(f.Payload) }
func (f Frame) SyncRequest() (SyncRequest, error)         { return decodeSyncRequest(f.Payload) }
func (f Frame) GetInfoRequest() (GetInfoRequest, error)   { return decodeGetInfoRequest(f.Payload) }
func (f Frame) OKResponse() (OKResponse, error)           { return decodeOKResponse(f.Payload) }
func (f Frame) ErrorResponse() (ErrorResponse, error)     { return decodeErrorResponse(f.Payload) }

// BuildAlloc, BuildFree, ... are the typed convenience constructors used by
// the client stub (internal/client) to build a request frame with a single
// call, keeping the Kind/payload pairing correct by construction.

func BuildAlloc(src, dst ZoneID, seq uint64, p AllocRequest) Frame {
	return BuildFrame(KindAlloc, src, dst, seq, p)
}

func BuildFree(src, dst ZoneID, seq uint64, p FreeRequest) Frame {
	return BuildFrame(KindFree, src, dst, seq, p)
}

func BuildCopyH2D(src, dst ZoneID, seq uint64, p CopyH2DRequest) Frame {
	return BuildFrame(KindCopyH2D, src, dst, seq, p)
}

func BuildCopyD2H(src, dst ZoneID, seq uint64, p CopyD2HRequest) Frame {
	return BuildFrame(KindCopyD2H, src, dst, seq, p)
}

func BuildCopyD2D(src, dst ZoneID, seq uint64, p CopyD2DRequest) Frame {
	return BuildFrame(KindCopyD2D, src, dst, seq, p)
}

func BuildMemset(src, dst ZoneID, seq uint64, p MemsetRequest) Frame {
	return BuildFrame(KindMemset, src, dst, seq, p)
}

func BuildSync(src, dst ZoneID, seq uint64, p SyncRequest) Frame {
	return BuildFrame(KindSync, src, dst, seq, p)
}

func BuildGetInfo(src, dst ZoneID, seq uint64, p GetInfoRequest) Frame {
	return BuildFrame(KindGetInfo, src, dst, seq, p)
}

func BuildOK(src, dst ZoneID, seq uint64, p OKResponse) Frame {
	return BuildFrame(KindOK, src, dst, seq, p)
}

func BuildError(src, dst ZoneID, seq uint64, p ErrorResponse) Frame {
	return BuildFrame(KindError, src, dst, seq, p)
}

// SeqAllocator hands out a monotonically increasing, per-sender sequence of
// request numbers starting at 1, matching the original idm_build_message's
// next_seq counter. Safe for concurrent use.
type SeqAllocator struct {
	next atomic.Uint64
}

// NewSeqAllocator returns an allocator whose first Next() call yields 1.
func NewSeqAllocator() *SeqAllocator {
	a := &SeqAllocator{}
	a.next.Store(1)
	return a
}

// Next returns the next sequence number and advances the counter.
func (a *SeqAllocator) Next() uint64 {
	return a.next.Add(1) - 1
}
