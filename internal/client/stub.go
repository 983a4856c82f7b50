// Package client implements the IDM client stub: the request-builder and
// synchronous sequence-matching contract a tenant links against instead of
// talking to the shared-memory rings directly.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/davidaxion/vgpu-broker/internal/idm"
)

// ErrNotConnected is returned by every request method when the Stub was
// constructed with a nil Conn.
var ErrNotConnected = errors.New("client: not connected")

// ErrRetriesExhausted is returned once Call has discarded RetryBudget
// mismatched responses without finding the one it sent.
var ErrRetriesExhausted = errors.New("client: retry budget exhausted waiting for matching response")

// DefaultRetryBudget bounds how many non-matching responses Call discards
// before giving up on a single request, per spec.md §4.5.
const DefaultRetryBudget = 10

// Conn is the transport-level contract the stub needs from a connection.
type Conn interface {
	Send(frame []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// Stub is a blocking, single-threaded-per-call client: it builds a typed
// request frame with a fresh sequence number, sends it, and blocks until a
// response carrying the same sequence number arrives, discarding anything
// else up to RetryBudget times.
type Stub struct {
	conn        Conn
	localZone   idm.ZoneID
	remoteZone  idm.ZoneID
	seq         *idm.SeqAllocator
	log         *logrus.Entry
	retryBudget int
}

// New constructs a Stub bound to conn. localZone/remoteZone stamp every
// frame's src/dst zone fields. Incoming responses are matched on sequence
// number only; their zone fields are not checked.
func New(conn Conn, localZone, remoteZone idm.ZoneID, log *logrus.Logger) *Stub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stub{
		conn:        conn,
		localZone:   localZone,
		remoteZone:  remoteZone,
		seq:         idm.NewSeqAllocator(),
		log:         log.WithField("component", "client_stub"),
		retryBudget: DefaultRetryBudget,
	}
}

// SetRetryBudget overrides DefaultRetryBudget.
func (s *Stub) SetRetryBudget(n int) { s.retryBudget = n }

// Close tears down the underlying connection.
func (s *Stub) Close() error { return s.conn.Close() }

// call sends req and blocks for a response whose header sequence number
// matches, discarding up to retryBudget malformed or mismatched responses.
func (s *Stub) call(ctx context.Context, buildFrame func(seq uint64) idm.Frame) (idm.Frame, error) {
	if s.conn == nil {
		return idm.Frame{}, ErrNotConnected
	}
	seq := s.seq.Next()
	req := buildFrame(seq)
	if err := s.conn.Send(req.Encode()); err != nil {
		return idm.Frame{}, fmt.Errorf("client: send failed: %w", err)
	}

	for attempt := 0; attempt < s.retryBudget; attempt++ {
		if err := ctx.Err(); err != nil {
			return idm.Frame{}, err
		}
		raw, err := s.conn.Recv(5 * time.Second)
		if err != nil {
			return idm.Frame{}, fmt.Errorf("client: recv failed: %w", err)
		}
		resp, perr := idm.ParseFrame(raw)
		if perr != nil {
			s.log.WithError(perr).Warn("discarding malformed response")
			continue
		}
		if resp.Header.SeqNum != seq {
			s.log.WithFields(logrus.Fields{
				"want_seq": seq,
				"got_seq":  resp.Header.SeqNum,
			}).Debug("discarding response with mismatched sequence number")
			continue
		}
		return resp, nil
	}
	return idm.Frame{}, ErrRetriesExhausted
}

// resultOrError turns an OK/ERROR response frame into a (idm.OKResponse,
// error) pair, with the ERROR case surfaced as an idm.ErrorResponse
// error value.
func resultOrError(f idm.Frame) (idm.OKResponse, error) {
	switch f.Header.Kind {
	case idm.KindOK:
		return f.OKResponse()
	case idm.KindError:
		errResp, err := f.ErrorResponse()
		if err != nil {
			return idm.OKResponse{}, err
		}
		return idm.OKResponse{}, errResp
	default:
		return idm.OKResponse{}, fmt.Errorf("client: unexpected response kind %s", f.Header.Kind)
	}
}

// Alloc sends an ALLOC request and returns the handle the broker assigned.
func (s *Stub) Alloc(ctx context.Context, size uint64, flags uint32) (uint64, error) {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildAlloc(s.localZone, s.remoteZone, seq, idm.AllocRequest{Size: size, Flags: flags})
	})
	if err != nil {
		return 0, err
	}
	resp, err := resultOrError(f)
	if err != nil {
		return 0, err
	}
	return resp.ResultHandle, nil
}

// Free sends a FREE request for handle.
func (s *Stub) Free(ctx context.Context, h uint64) error {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildFree(s.localZone, s.remoteZone, seq, idm.FreeRequest{Handle: h})
	})
	if err != nil {
		return err
	}
	_, err = resultOrError(f)
	return err
}

// CopyHostToDevice sends a COPY_H2D request writing data into dst+offset.
func (s *Stub) CopyHostToDevice(ctx context.Context, dst uint64, offset uint64, data []byte) error {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildCopyH2D(s.localZone, s.remoteZone, seq, idm.CopyH2DRequest{
			DstHandle: dst, DstOffset: offset, Size: uint64(len(data)), Data: data,
		})
	})
	if err != nil {
		return err
	}
	_, err = resultOrError(f)
	return err
}

// CopyDeviceToHost sends a COPY_D2H request and returns the bytes read.
func (s *Stub) CopyDeviceToHost(ctx context.Context, src uint64, offset, size uint64) ([]byte, error) {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildCopyD2H(s.localZone, s.remoteZone, seq, idm.CopyD2HRequest{
			SrcHandle: src, SrcOffset: offset, Size: size,
		})
	})
	if err != nil {
		return nil, err
	}
	resp, err := resultOrError(f)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CopyDeviceToDevice sends a COPY_D2D request; both handles must be owned
// by this stub's zone.
func (s *Stub) CopyDeviceToDevice(ctx context.Context, dst, dstOffset, src, srcOffset, size uint64) error {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildCopyD2D(s.localZone, s.remoteZone, seq, idm.CopyD2DRequest{
			DstHandle: dst, DstOffset: dstOffset, SrcHandle: src, SrcOffset: srcOffset, Size: size,
		})
	})
	if err != nil {
		return err
	}
	_, err = resultOrError(f)
	return err
}

// Memset sends a MEMSET request.
func (s *Stub) Memset(ctx context.Context, h uint64, offset uint64, value byte, size uint64) error {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildMemset(s.localZone, s.remoteZone, seq, idm.MemsetRequest{
			Handle: h, Offset: offset, Value: value, Size: size,
		})
	})
	if err != nil {
		return err
	}
	_, err = resultOrError(f)
	return err
}

// Sync sends a SYNC request and blocks until the broker's device driver
// has completed all outstanding operations.
func (s *Stub) Sync(ctx context.Context, flags uint32) error {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildSync(s.localZone, s.remoteZone, seq, idm.SyncRequest{Flags: flags})
	})
	if err != nil {
		return err
	}
	_, err = resultOrError(f)
	return err
}

// GetInfo sends a GET_INFO request for selector.
func (s *Stub) GetInfo(ctx context.Context, selector idm.InfoSelector) (idm.OKResponse, error) {
	f, err := s.call(ctx, func(seq uint64) idm.Frame {
		return idm.BuildGetInfo(s.localZone, s.remoteZone, seq, idm.GetInfoRequest{Selector: selector})
	})
	if err != nil {
		return idm.OKResponse{}, err
	}
	return resultOrError(f)
}
