// Package broker implements the request dispatcher: the receive-dispatch-
// respond loop that sits between a shared-memory connection and the
// handle table / device driver.
package broker

import "github.com/davidaxion/vgpu-broker/internal/idm"

// Outcome is the sum type every per-kind handler returns: either a typed
// success result or a structured error, never both.
type Outcome struct {
	ok  *idm.OKResponse
	err *idm.ErrorResponse
}

// Ok builds a successful Outcome.
func Ok(resp idm.OKResponse) Outcome { return Outcome{ok: &resp} }

// Err builds a failed Outcome.
func Err(code idm.ErrorKind, driverCode uint32, message string) Outcome {
	return Outcome{err: &idm.ErrorResponse{ErrorCode: code, DriverCode: driverCode, Message: message}}
}

// IsOk reports whether this Outcome carries a success result.
func (o Outcome) IsOk() bool { return o.ok != nil }

// Frame renders the outcome as the frame to send back to the requester,
// stamping it with the matching sequence number and zone pair.
func (o Outcome) Frame(src, dst idm.ZoneID, seq uint64) idm.Frame {
	if o.ok != nil {
		resp := *o.ok
		resp.RequestSeq = seq
		return idm.BuildOK(src, dst, seq, resp)
	}
	resp := *o.err
	resp.RequestSeq = seq
	return idm.BuildError(src, dst, seq, resp)
}
