package idm

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:      Magic,
		Version:    Version,
		Kind:       KindAlloc,
		SrcZone:    2,
		DstZone:    1,
		SeqNum:     42,
		PayloadLen: 16,
	}
	b := make([]byte, HeaderSize)
	encodeHeaderTo(b, h)

	got, err := decodeHeader(b)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestHeaderValidateRejectsBadMagic(t *testing.T) {
	h := Header{Magic: 0xDEADBEEF, Version: Version}
	if err := h.Validate(); err != ErrInvalidFrame {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}

func TestHeaderValidateRejectsBadVersion(t *testing.T) {
	h := Header{Magic: Magic, Version: 0x0200}
	if err := h.Validate(); err != ErrInvalidFrame {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}

func TestHeaderValidateRejectsOversizePayload(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, PayloadLen: MaxPayloadSize + 1}
	if err := h.Validate(); err != ErrInvalidFrame {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}

func TestBuildAllocFrameRoundTrip(t *testing.T) {
	f := BuildAlloc(2, 1, 7, AllocRequest{Size: 4096, Flags: 0})
	wire := f.Encode()

	parsed, err := ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if parsed.Header.Kind != KindAlloc || parsed.Header.SeqNum != 7 {
		t.Fatalf("header mismatch: %+v", parsed.Header)
	}
	req, err := parsed.AllocRequest()
	if err != nil {
		t.Fatalf("AllocRequest: %v", err)
	}
	if req.Size != 4096 {
		t.Fatalf("Size = %d, want 4096", req.Size)
	}
}

func TestCopyH2DInlineData(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 64)
	f := BuildCopyH2D(2, 1, 1, CopyH2DRequest{DstHandle: 9, DstOffset: 0, Size: uint64(len(data)), Data: data})
	wire := f.Encode()

	parsed, err := ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	req, err := parsed.CopyH2DRequest()
	if err != nil {
		t.Fatalf("CopyH2DRequest: %v", err)
	}
	if !bytes.Equal(req.Data, data) {
		t.Fatalf("inline data mismatch")
	}
}

func TestCopyH2DRejectsSizeMismatch(t *testing.T) {
	f := BuildCopyH2D(2, 1, 1, CopyH2DRequest{DstHandle: 9, Size: 64, Data: make([]byte, 64)})
	wire := f.Encode()
	// Corrupt the header's payload_len to disagree with the body we still send.
	encodeHeaderTo(wire[:HeaderSize], Header{
		Magic: Magic, Version: Version, Kind: KindCopyH2D, SeqNum: 1, PayloadLen: uint32(len(wire) - HeaderSize - 1),
	})
	if _, err := ParseFrame(wire); err != ErrInvalidFrame {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}

func TestOKResponseInlineData(t *testing.T) {
	data := []byte("hello device memory")
	f := BuildOK(1, 2, 5, OKResponse{RequestSeq: 5, Data: data})
	wire := f.Encode()

	parsed, err := ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	resp, err := parsed.OKResponse()
	if err != nil {
		t.Fatalf("OKResponse: %v", err)
	}
	if !bytes.Equal(resp.Data, data) {
		t.Fatalf("data mismatch: got %q, want %q", resp.Data, data)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	f := BuildError(1, 2, 3, ErrorResponse{
		RequestSeq: 3,
		ErrorCode:  ErrorInvalidHandle,
		DriverCode: 0,
		Message:    "handle 0x7 not owned by zone 2",
	})
	wire := f.Encode()

	parsed, err := ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	resp, err := parsed.ErrorResponse()
	if err != nil {
		t.Fatalf("ErrorResponse: %v", err)
	}
	if resp.ErrorCode != ErrorInvalidHandle {
		t.Fatalf("ErrorCode = %v, want ErrorInvalidHandle", resp.ErrorCode)
	}
	if resp.Message != "handle 0x7 not owned by zone 2" {
		t.Fatalf("Message = %q", resp.Message)
	}
	if resp.Error() == "" {
		t.Fatalf("Error() returned empty string")
	}
}

func TestSeqAllocatorStartsAtOneAndIsMonotonic(t *testing.T) {
	a := NewSeqAllocator()
	first := a.Next()
	if first != 1 {
		t.Fatalf("first Next() = %d, want 1", first)
	}
	for i := uint64(2); i < 100; i++ {
		if got := a.Next(); got != i {
			t.Fatalf("Next() = %d, want %d", got, i)
		}
	}
}

func TestParseFrameRejectsShortBuffer(t *testing.T) {
	if _, err := ParseFrame([]byte{1, 2, 3}); err != ErrInvalidFrame {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}
