package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidaxion/vgpu-broker/internal/device"
	"github.com/davidaxion/vgpu-broker/internal/idm"
	"github.com/davidaxion/vgpu-broker/internal/transport/shm"
)

// pipeConn is an in-memory Conn implementation for tests: writes to one
// side arrive as reads on the other, without any shared memory or futex
// involvement. It lets the broker/client packages be tested independently
// of internal/transport/shm's platform-specific machinery.
type pipeConn struct {
	out    chan []byte
	in     <-chan []byte
	closed chan struct{}
}

func newPipePair() (a, b *pipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	closed := make(chan struct{})
	return &pipeConn{out: ab, in: ba, closed: closed}, &pipeConn{out: ba, in: ab, closed: closed}
}

func (p *pipeConn) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return shm.ErrConnectionClosed
	}
}

func (p *pipeConn) Recv(timeout time.Duration) ([]byte, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, shm.ErrConnectionClosed
	case <-timeoutCh:
		return nil, shm.ErrTimedOut
	}
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func newTestBroker(t *testing.T) (*Broker, *device.Stub) {
	stub := device.NewStub()
	b := New(Config{Zone: 1, Driver: stub})
	require.NoError(t, b.Init())
	return b, stub
}

func TestScenarioAllocCopySync(t *testing.T) {
	b, _ := newTestBroker(t)
	tenant, broker := newPipePair()
	defer tenant.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.ServeConnection(ctx, 2, broker) }()

	send := func(f idm.Frame) idm.Frame {
		require.NoError(t, tenant.Send(f.Encode()))
		raw, err := tenant.Recv(2 * time.Second)
		require.NoError(t, err)
		resp, err := idm.ParseFrame(raw)
		require.NoError(t, err)
		return resp
	}

	allocResp := send(idm.BuildAlloc(2, 1, 1, idm.AllocRequest{Size: 4096}))
	require.Equal(t, idm.KindOK, allocResp.Header.Kind)
	ok, err := allocResp.OKResponse()
	require.NoError(t, err)
	handle := ok.ResultHandle
	require.NotEqual(t, idm.NullHandle, handle)

	data := []byte("scenario-a-data")
	h2dResp := send(idm.BuildCopyH2D(2, 1, 2, idm.CopyH2DRequest{DstHandle: handle, Size: uint64(len(data)), Data: data}))
	assert.Equal(t, idm.KindOK, h2dResp.Header.Kind)

	d2hResp := send(idm.BuildCopyD2H(2, 1, 3, idm.CopyD2HRequest{SrcHandle: handle, Size: uint64(len(data))}))
	d2hOK, err := d2hResp.OKResponse()
	require.NoError(t, err)
	assert.Equal(t, data, d2hOK.Data)

	syncResp := send(idm.BuildSync(2, 1, 4, idm.SyncRequest{}))
	assert.Equal(t, idm.KindOK, syncResp.Header.Kind)

	freeResp := send(idm.BuildFree(2, 1, 5, idm.FreeRequest{Handle: handle}))
	assert.Equal(t, idm.KindOK, freeResp.Header.Kind)

	cancel()
	<-done
}

func TestCrossZoneHandleAccessDenied(t *testing.T) {
	b, _ := newTestBroker(t)

	// Zone 2 allocates over the wire to seed a handle, then zone 3 tries to
	// free it over its own connection. Zone 2's connection stays up until
	// the test ends, so the handle is still live when zone 3 tries.
	tenant2, broker2 := newPipePair()
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan error, 1)
	go func() { done2 <- b.ServeConnection(ctx2, 2, broker2) }()
	defer func() {
		cancel2()
		<-done2
		tenant2.Close()
	}()

	require.NoError(t, tenant2.Send(idm.BuildAlloc(2, 1, 1, idm.AllocRequest{Size: 1024}).Encode()))
	raw, err := tenant2.Recv(2 * time.Second)
	require.NoError(t, err)
	resp, err := idm.ParseFrame(raw)
	require.NoError(t, err)
	ok, err := resp.OKResponse()
	require.NoError(t, err)
	handle := ok.ResultHandle

	tenant3, broker3 := newPipePair()
	defer tenant3.Close()
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	done3 := make(chan error, 1)
	go func() { done3 <- b.ServeConnection(ctx3, 3, broker3) }()

	require.NoError(t, tenant3.Send(idm.BuildFree(3, 1, 1, idm.FreeRequest{Handle: handle}).Encode()))
	raw3, err := tenant3.Recv(2 * time.Second)
	require.NoError(t, err)
	resp3, err := idm.ParseFrame(raw3)
	require.NoError(t, err)
	require.Equal(t, idm.KindError, resp3.Header.Kind)

	errResp, err := resp3.ErrorResponse()
	require.NoError(t, err)
	assert.Equal(t, idm.ErrorInvalidHandle, errResp.ErrorCode)
}

func TestMalformedFrameDroppedNotFatal(t *testing.T) {
	b, _ := newTestBroker(t)
	tenant, brokerSide := newPipePair()
	defer tenant.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.ServeConnection(ctx, 2, brokerSide) }()

	// Garbage frame: too short to even contain a header.
	require.NoError(t, tenant.Send([]byte{0x01, 0x02, 0x03}))

	// A well-formed request should still get served afterward.
	require.NoError(t, tenant.Send(idm.BuildAlloc(2, 1, 1, idm.AllocRequest{Size: 64}).Encode()))
	raw, err := tenant.Recv(2 * time.Second)
	require.NoError(t, err, "broker should still answer after dropping the malformed frame")
	resp, err := idm.ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, idm.KindOK, resp.Header.Kind)
}

func TestSpoofedSourceZoneDropped(t *testing.T) {
	b, _ := newTestBroker(t)
	tenant, brokerSide := newPipePair()
	defer tenant.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.ServeConnection(ctx, 2, brokerSide)

	// Claims to be zone 99 on a connection registered for zone 2.
	require.NoError(t, tenant.Send(idm.BuildAlloc(99, 1, 1, idm.AllocRequest{Size: 64}).Encode()))
	// Follow with a correctly-addressed request; only this one should answer.
	require.NoError(t, tenant.Send(idm.BuildAlloc(2, 1, 2, idm.AllocRequest{Size: 64}).Encode()))

	raw, err := tenant.Recv(2 * time.Second)
	require.NoError(t, err)
	resp, err := idm.ParseFrame(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.Header.SeqNum, "the spoofed seq=1 request should have been dropped")
}

func TestGetInfoDeviceCount(t *testing.T) {
	b, _ := newTestBroker(t)
	tenant, brokerSide := newPipePair()
	defer tenant.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.ServeConnection(ctx, 2, brokerSide)

	require.NoError(t, tenant.Send(idm.BuildGetInfo(2, 1, 1, idm.GetInfoRequest{Selector: idm.InfoDeviceCount}).Encode()))
	raw, err := tenant.Recv(2 * time.Second)
	require.NoError(t, err)
	resp, err := idm.ParseFrame(raw)
	require.NoError(t, err)
	ok, err := resp.OKResponse()
	require.NoError(t, err)
	assert.EqualValues(t, 1, ok.ResultValue)
}

func TestZoneTeardownFreesHandles(t *testing.T) {
	b, _ := newTestBroker(t)
	tenant, brokerSide := newPipePair()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.ServeConnection(ctx, 2, brokerSide) }()

	require.NoError(t, tenant.Send(idm.BuildAlloc(2, 1, 1, idm.AllocRequest{Size: 256}).Encode()))
	raw, err := tenant.Recv(2 * time.Second)
	require.NoError(t, err)
	resp, err := idm.ParseFrame(raw)
	require.NoError(t, err)
	ok, err := resp.OKResponse()
	require.NoError(t, err)
	require.NotEqual(t, idm.NullHandle, ok.ResultHandle)

	cancel()
	<-done
	tenant.Close()

	stats := b.HandleTableStats()
	assert.Equal(t, 0, stats.HandleCount, "zone teardown should free every handle it owned")
}
