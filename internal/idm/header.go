package idm

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidFrame is returned by Decode/Parse when a header or payload
// fails validation (bad magic, bad version, oversize payload_len, or a
// payload whose length is inconsistent with its typed fields).
var ErrInvalidFrame = errors.New("idm: invalid frame")

// Header is the fixed 32-byte frame header, laid out little-endian and
// packed exactly as the wire format in spec §6.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       Kind
	SrcZone    ZoneID
	DstZone    ZoneID
	SeqNum     uint64
	PayloadLen uint32
	Reserved   uint32
}

// encodeHeaderTo writes h into dst (must be HeaderSize bytes) in the wire
// layout: magic, version, kind, src_zone, dst_zone, seq_num, payload_len,
// reserved.
func encodeHeaderTo(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	binary.LittleEndian.PutUint16(dst[4:6], h.Version)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(h.Kind))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.SrcZone))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(h.DstZone))
	binary.LittleEndian.PutUint64(dst[16:24], h.SeqNum)
	binary.LittleEndian.PutUint32(dst[24:28], h.PayloadLen)
	binary.LittleEndian.PutUint32(dst[28:32], 0)
}

// decodeHeader parses a HeaderSize-byte slice into a Header. It does not
// validate magic/version/payload_len; call (Header).Validate for that.
func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrInvalidFrame
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = binary.LittleEndian.Uint16(b[4:6])
	h.Kind = Kind(binary.LittleEndian.Uint16(b[6:8]))
	h.SrcZone = ZoneID(binary.LittleEndian.Uint32(b[8:12]))
	h.DstZone = ZoneID(binary.LittleEndian.Uint32(b[12:16]))
	h.SeqNum = binary.LittleEndian.Uint64(b[16:24])
	h.PayloadLen = binary.LittleEndian.Uint32(b[24:28])
	h.Reserved = binary.LittleEndian.Uint32(b[28:32])
	return h, nil
}

// Validate reports whether h satisfies the framing contract of spec §3:
// magic matches, version matches this implementation's exactly, and
// payload_len does not exceed the protocol-level cap.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return ErrInvalidFrame
	}
	if h.Version != Version {
		return ErrInvalidFrame
	}
	if h.PayloadLen > MaxPayloadSize {
		return ErrInvalidFrame
	}
	return nil
}
