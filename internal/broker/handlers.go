package broker

import (
	"github.com/davidaxion/vgpu-broker/internal/device"
	"github.com/davidaxion/vgpu-broker/internal/handle"
	"github.com/davidaxion/vgpu-broker/internal/idm"
)

// handleAlloc implements ALLOC: reserve size bytes of device memory and
// return a fresh handle owned by the caller's zone.
func (b *Broker) handleAlloc(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.AllocRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed ALLOC payload")
	}
	if req.Size == 0 {
		return Err(idm.ErrorInvalidSize, 0, "zero-size allocation")
	}
	ref, derr := b.driver.Alloc(req.Size)
	if derr != nil {
		return driverErr(derr)
	}
	h := b.handles.Insert(zone, ref, req.Size)
	return Ok(idm.OKResponse{ResultHandle: h})
}

// handleFree implements FREE: release a handle the caller's zone owns.
func (b *Broker) handleFree(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.FreeRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed FREE payload")
	}
	rec, herr := b.handles.Remove(zone, req.Handle)
	if herr == handle.ErrNotFound {
		return Err(idm.ErrorInvalidHandle, 0, "unknown or unowned handle")
	}
	if derr := b.driver.Free(rec.Ref); derr != nil {
		return driverErr(derr)
	}
	return Ok(idm.OKResponse{})
}

// handleCopyH2D implements COPY_H2D: write the request's inline data into
// the destination handle's device memory.
func (b *Broker) handleCopyH2D(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.CopyH2DRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed COPY_H2D payload")
	}
	rec, herr := b.handles.Lookup(zone, req.DstHandle)
	if herr == handle.ErrNotFound {
		return Err(idm.ErrorInvalidHandle, 0, "unknown or unowned destination handle")
	}
	if !withinBounds(req.DstOffset, req.Size, rec.Size) {
		return Err(idm.ErrorInvalidSize, 0, "copy exceeds allocation bounds")
	}
	if derr := b.driver.CopyHostToDevice(rec.Ref, req.DstOffset, req.Data); derr != nil {
		return driverErr(derr)
	}
	return Ok(idm.OKResponse{})
}

// handleCopyD2H implements COPY_D2H: read size bytes from the source
// handle and return them inline in the OK response.
//
// The original handle_gpu_copy_d2h reads the data and then discards it
// (handlers.c frees the host buffer instead of sending it). This
// implementation always returns the read bytes.
func (b *Broker) handleCopyD2H(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.CopyD2HRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed COPY_D2H payload")
	}
	rec, herr := b.handles.Lookup(zone, req.SrcHandle)
	if herr == handle.ErrNotFound {
		return Err(idm.ErrorInvalidHandle, 0, "unknown or unowned source handle")
	}
	if !withinBounds(req.SrcOffset, req.Size, rec.Size) {
		return Err(idm.ErrorInvalidSize, 0, "copy exceeds allocation bounds")
	}
	data, derr := b.driver.CopyDeviceToHost(rec.Ref, req.SrcOffset, req.Size)
	if derr != nil {
		return driverErr(derr)
	}
	return Ok(idm.OKResponse{Data: data})
}

// handleCopyD2D implements COPY_D2D: both handles must be owned by the
// same caller zone. Cross-zone device-to-device copies are rejected —
// spec.md §4.4 is explicit that this is unsupported, even though the
// broker could in principle mediate it.
func (b *Broker) handleCopyD2D(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.CopyD2DRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed COPY_D2D payload")
	}
	dst, herr := b.handles.Lookup(zone, req.DstHandle)
	if herr == handle.ErrNotFound {
		return Err(idm.ErrorInvalidHandle, 0, "unknown or unowned destination handle")
	}
	src, herr := b.handles.Lookup(zone, req.SrcHandle)
	if herr == handle.ErrNotFound {
		return Err(idm.ErrorInvalidHandle, 0, "unknown or unowned source handle")
	}
	if !withinBounds(req.DstOffset, req.Size, dst.Size) || !withinBounds(req.SrcOffset, req.Size, src.Size) {
		return Err(idm.ErrorInvalidSize, 0, "copy exceeds allocation bounds")
	}
	if derr := b.driver.CopyDeviceToDevice(dst.Ref, req.DstOffset, src.Ref, req.SrcOffset, req.Size); derr != nil {
		return driverErr(derr)
	}
	return Ok(idm.OKResponse{})
}

// handleMemset implements MEMSET.
func (b *Broker) handleMemset(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.MemsetRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed MEMSET payload")
	}
	rec, herr := b.handles.Lookup(zone, req.Handle)
	if herr == handle.ErrNotFound {
		return Err(idm.ErrorInvalidHandle, 0, "unknown or unowned handle")
	}
	if !withinBounds(req.Offset, req.Size, rec.Size) {
		return Err(idm.ErrorInvalidSize, 0, "memset exceeds allocation bounds")
	}
	if derr := b.driver.Memset(rec.Ref, req.Offset, req.Value, req.Size); derr != nil {
		return driverErr(derr)
	}
	return Ok(idm.OKResponse{})
}

// handleSync implements SYNC: block until the driver's outstanding
// operations complete.
func (b *Broker) handleSync(zone idm.ZoneID, f idm.Frame) Outcome {
	if _, err := f.SyncRequest(); err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed SYNC payload")
	}
	if derr := b.driver.Synchronize(); derr != nil {
		return driverErr(derr)
	}
	return Ok(idm.OKResponse{})
}

// handleGetInfo implements GET_INFO. Neither the wire protocol's declared
// IDM_GPU_GET_INFO nor its fuller IDM_GPU_GET_PROPS cousin is ever
// implemented by the original handlers.c; this broker answers a small,
// deliberately address-free set of selectors so a tenant can size its
// requests without ever learning a device pointer or another zone's
// allocation layout.
func (b *Broker) handleGetInfo(zone idm.ZoneID, f idm.Frame) Outcome {
	req, err := f.GetInfoRequest()
	if err != nil {
		return Err(idm.ErrorInvalidFrame, 0, "malformed GET_INFO payload")
	}
	switch req.Selector {
	case idm.InfoDeviceCount:
		n, derr := b.driver.DeviceCount()
		if derr != nil {
			return driverErr(derr)
		}
		return Ok(idm.OKResponse{ResultValue: uint64(n)})
	case idm.InfoDeviceName, idm.InfoTotalMemory:
		info, derr := b.driver.DeviceInfo(0)
		if derr != nil {
			return driverErr(derr)
		}
		if req.Selector == idm.InfoDeviceName {
			return Ok(idm.OKResponse{Data: []byte(info.Name)})
		}
		return Ok(idm.OKResponse{ResultValue: info.TotalMemory})
	default:
		return Err(idm.ErrorInvalidFrame, 0, "unknown GET_INFO selector")
	}
}

// withinBounds reports whether [offset, offset+size) fits inside an
// allocation of extent bytes, without relying on offset+size itself —
// that sum wraps for an offset near 2^64, which would otherwise let a
// crafted offset/size pair slip past the check and then panic the
// driver call with a slice-bounds-out-of-range.
func withinBounds(offset, size, extent uint64) bool {
	return size <= extent && offset <= extent-size
}

func driverErr(err error) Outcome {
	if de, ok := err.(*device.Error); ok {
		return Err(idm.ErrorDeviceError, uint32(de.Code), de.Message)
	}
	return Err(idm.ErrorDeviceError, 0, err.Error())
}
