package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidaxion/vgpu-broker/internal/idm"
)

// fakeConn is an in-memory Conn for exercising Stub without a real
// shared-memory transport: Send appends to an outbox a test can inspect,
// and Recv drains a preloaded inbox.
type fakeConn struct {
	sent   []idm.Frame
	inbox  chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(frame []byte) error {
	f, err := idm.ParseFrame(frame)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Recv(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.closed:
		return nil, errors.New("client_test: connection closed")
	case <-time.After(timeout):
		return nil, errors.New("client_test: recv timed out")
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) push(f idm.Frame) { c.inbox <- f.Encode() }

func TestAllocReturnsHandleFromMatchingResponse(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, idm.ZoneID(2), idm.ZoneID(1), nil)

	go func() {
		// Wait for the request to land, then answer with its own seq.
		for len(conn.sent) == 0 {
			time.Sleep(time.Millisecond)
		}
		req := conn.sent[0]
		conn.push(idm.BuildOK(1, 2, req.Header.SeqNum, idm.OKResponse{
			RequestSeq:   req.Header.SeqNum,
			ResultHandle: 42,
		}))
	}()

	h, err := s.Alloc(context.Background(), 4096, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 42, h)
}

func TestCallDiscardsMismatchedSequenceNumbers(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, idm.ZoneID(2), idm.ZoneID(1), nil)
	s.SetRetryBudget(5)

	go func() {
		for len(conn.sent) == 0 {
			time.Sleep(time.Millisecond)
		}
		req := conn.sent[0]
		// Two stale/unrelated responses first, then the real one.
		conn.push(idm.BuildOK(1, 2, req.Header.SeqNum+100, idm.OKResponse{RequestSeq: req.Header.SeqNum + 100, ResultHandle: 7}))
		conn.push(idm.BuildOK(1, 2, req.Header.SeqNum+200, idm.OKResponse{RequestSeq: req.Header.SeqNum + 200, ResultHandle: 8}))
		conn.push(idm.BuildOK(1, 2, req.Header.SeqNum, idm.OKResponse{RequestSeq: req.Header.SeqNum, ResultHandle: 99}))
	}()

	h, err := s.Alloc(context.Background(), 1024, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 99, h, "should have discarded the mismatched responses")
}

func TestCallExhaustsRetryBudget(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, idm.ZoneID(2), idm.ZoneID(1), nil)
	s.SetRetryBudget(3)

	go func() {
		for len(conn.sent) == 0 {
			time.Sleep(time.Millisecond)
		}
		req := conn.sent[0]
		for i := 0; i < 10; i++ {
			conn.push(idm.BuildOK(1, 2, req.Header.SeqNum+uint64(i)+1, idm.OKResponse{RequestSeq: req.Header.SeqNum + uint64(i) + 1}))
		}
	}()

	_, err := s.Alloc(context.Background(), 1024, 0)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestErrorResponseSurfacedAsError(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, idm.ZoneID(2), idm.ZoneID(1), nil)

	go func() {
		for len(conn.sent) == 0 {
			time.Sleep(time.Millisecond)
		}
		req := conn.sent[0]
		conn.push(idm.BuildError(1, 2, req.Header.SeqNum, idm.ErrorResponse{
			RequestSeq: req.Header.SeqNum,
			ErrorCode:  idm.ErrorInvalidHandle,
			Message:    "no such handle",
		}))
	}()

	err := s.Free(context.Background(), 123)
	require.Error(t, err)

	var errResp idm.ErrorResponse
	require.ErrorAs(t, err, &errResp)
	assert.Equal(t, idm.ErrorInvalidHandle, errResp.ErrorCode)
}

func TestSeqAllocatorAssignsFreshSequenceEachCall(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, idm.ZoneID(2), idm.ZoneID(1), nil)

	// Drain requests as they're sent and answer each with its own seq,
	// verifying sequence numbers never repeat across calls.
	seen := make(map[uint64]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			for len(conn.sent) <= i {
				time.Sleep(time.Millisecond)
			}
			req := conn.sent[i]
			if seen[req.Header.SeqNum] {
				t.Errorf("sequence number %d reused", req.Header.SeqNum)
			}
			seen[req.Header.SeqNum] = true
			conn.push(idm.BuildOK(1, 2, req.Header.SeqNum, idm.OKResponse{RequestSeq: req.Header.SeqNum}))
		}
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Free(context.Background(), uint64(i)))
	}
	<-done
}
