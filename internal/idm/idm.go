// Package idm implements the Inter-Domain Messaging wire protocol: the
// framed, sequenced request/response schema carried over the shared-memory
// rings in internal/transport/shm.
//
// The layout mirrors the original IDM header bit-for-bit (little-endian,
// packed, 32 bytes) so that a systems-language peer built against the same
// wire contract can interoperate.
package idm

import "fmt"

// Magic is the protocol magic constant, the ASCII bytes "IDM\0" read as a
// little-endian uint32.
const Magic uint32 = 0x00_4D_44_49

// VersionMajor and VersionMinor identify the wire format this package
// produces and accepts. A header whose Version does not match exactly is
// rejected — there is no negotiation.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

// Version packs VersionMajor/VersionMinor into the header's 16-bit version
// field the way the original IDM_VERSION macro does.
var Version = (VersionMajor << 8) | VersionMinor

// HeaderSize is the fixed size in bytes of a Header on the wire.
const HeaderSize = 32

// MaxPayloadSize bounds the payload a single frame may carry. It is a
// protocol-level ceiling, independent of any one ring's slot capacity.
const MaxPayloadSize = 4 * 1024 * 1024

// Kind enumerates the closed set of message kinds.
type Kind uint16

const (
	KindAlloc    Kind = 0x01
	KindFree     Kind = 0x02
	KindCopyH2D  Kind = 0x10
	KindCopyD2H  Kind = 0x11
	KindCopyD2D  Kind = 0x12
	KindMemset   Kind = 0x13
	KindSync     Kind = 0x21
	KindGetInfo  Kind = 0x30
	KindOK       Kind = 0xF0
	KindError    Kind = 0xF1
)

// String renders a Kind for logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindAlloc:
		return "ALLOC"
	case KindFree:
		return "FREE"
	case KindCopyH2D:
		return "COPY_H2D"
	case KindCopyD2H:
		return "COPY_D2H"
	case KindCopyD2D:
		return "COPY_D2D"
	case KindMemset:
		return "MEMSET"
	case KindSync:
		return "SYNC"
	case KindGetInfo:
		return "GET_INFO"
	case KindOK:
		return "OK"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint16(k))
	}
}

// IsRequest reports whether k is one of the request kinds (as opposed to
// OK/ERROR responses).
func (k Kind) IsRequest() bool {
	switch k {
	case KindAlloc, KindFree, KindCopyH2D, KindCopyD2H, KindCopyD2D, KindMemset, KindSync, KindGetInfo:
		return true
	default:
		return false
	}
}

// ErrorKind enumerates the closed error taxonomy of spec §7. Values are the
// wire codes carried in an ERROR response's error_code field.
type ErrorKind uint32

const (
	ErrorNone             ErrorKind = 0
	ErrorInvalidFrame     ErrorKind = 1
	ErrorInvalidHandle    ErrorKind = 2
	ErrorPermissionDenied ErrorKind = 3
	ErrorOutOfMemory      ErrorKind = 4
	ErrorInvalidSize      ErrorKind = 5
	ErrorTimedOut         ErrorKind = 6
	ErrorConnectionLost   ErrorKind = 7
	ErrorDeviceError      ErrorKind = 8
	ErrorUnknown          ErrorKind = 99
)

func (e ErrorKind) String() string {
	switch e {
	case ErrorNone:
		return "None"
	case ErrorInvalidFrame:
		return "InvalidFrame"
	case ErrorInvalidHandle:
		return "InvalidHandle"
	case ErrorPermissionDenied:
		return "PermissionDenied"
	case ErrorOutOfMemory:
		return "OutOfMemory"
	case ErrorInvalidSize:
		return "InvalidSize"
	case ErrorTimedOut:
		return "TimedOut"
	case ErrorConnectionLost:
		return "ConnectionLost"
	case ErrorDeviceError:
		return "DeviceError"
	default:
		return "Unknown"
	}
}

// ZoneID names a trust boundary. Assigned out-of-band; the core treats it
// as an opaque label.
type ZoneID uint32

// NullHandle is the reserved invalid handle value; no real allocation is
// ever assigned this value.
const NullHandle uint64 = 0
