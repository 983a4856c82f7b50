// Package device abstracts the GPU driver the broker dispatches to. The
// production target is a CUDA-like driver; Stub (stub.go) provides an
// in-process pseudo-GPU for development and tests, mirroring the original
// STUB_CUDA compile-time fakes in the C implementation.
package device

import "fmt"

// Error carries a driver-native error code alongside a message, so the
// broker can relay it verbatim in an idm.ErrorResponse's DriverCode field.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("device: %s (code=%d)", e.Message, e.Code) }

// Info identifies one virtual device the driver exposes.
type Info struct {
	Name        string
	TotalMemory uint64
}

// Driver is the broker's view of the underlying GPU driver: allocate and
// move memory, synchronize, and report device metadata. The broker does not
// lock around driver calls: Broker.Serve runs one goroutine per connection,
// each calling the same Driver, so an implementation used with Serve must
// be safe for concurrent use (Stub guards its state with a mutex).
type Driver interface {
	// Init performs one-time driver/runtime initialization.
	Init() error

	// DeviceCount reports how many virtual devices are available.
	DeviceCount() (int, error)

	// DeviceInfo reports static metadata about device index idx.
	DeviceInfo(idx int) (Info, error)

	// Alloc reserves size bytes of device memory and returns an opaque
	// reference to it.
	Alloc(size uint64) (ref interface{}, err error)

	// Free releases a reference previously returned by Alloc.
	Free(ref interface{}) error

	// CopyHostToDevice writes data into ref at byte offset, which must
	// have been sized to accommodate offset+len(data) at Alloc time.
	CopyHostToDevice(ref interface{}, offset uint64, data []byte) error

	// CopyDeviceToHost reads size bytes from ref at offset.
	CopyDeviceToHost(ref interface{}, offset uint64, size uint64) ([]byte, error)

	// CopyDeviceToDevice copies size bytes from src+srcOffset to
	// dst+dstOffset. Both references must belong to the same driver
	// instance; the broker only ever calls this for same-zone handles.
	CopyDeviceToDevice(dst interface{}, dstOffset uint64, src interface{}, srcOffset uint64, size uint64) error

	// Memset fills size bytes at ref+offset with value.
	Memset(ref interface{}, offset uint64, value byte, size uint64) error

	// Synchronize blocks until all outstanding operations complete.
	Synchronize() error

	// Shutdown releases all driver-owned resources. Safe to call once;
	// further calls into the driver after Shutdown are undefined.
	Shutdown() error
}
