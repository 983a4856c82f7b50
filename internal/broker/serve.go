package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/davidaxion/vgpu-broker/internal/idm"
	"github.com/davidaxion/vgpu-broker/internal/transport/shm"
)

// Conn is the transport-level contract Serve needs: send a framed message,
// receive one with a bound on how long to wait, and tear down. *shm.
// Connection satisfies this; tests can supply an in-memory fake.
type Conn interface {
	Send(frame []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// recvPollInterval bounds how long a single Recv call blocks before
// ServeConnection re-checks ctx, mirroring the original main loop's
// idm_recv(&msg, 1000) one-second timeout.
const recvPollInterval = time.Second

// ServeConnection runs the receive-dispatch-respond loop for a single
// zone's connection until ctx is cancelled or the connection reports
// itself closed. Every message is expected to originate from zone; one
// that doesn't, or that fails to parse, is dropped and logged rather than
// treated as fatal — spec.md's resolution of the "what happens on a
// framing error from a tenant" question (testable property #9): a hostile
// or buggy tenant must not be able to take down the broker for anyone
// else.
func (b *Broker) ServeConnection(ctx context.Context, zone idm.ZoneID, conn Conn) error {
	defer b.forgetZone(zone)

	log := b.log.WithField("zone", zone)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := conn.Recv(recvPollInterval)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isClosed(err) {
				return nil
			}
			log.WithError(err).Warn("connection recv failed")
			return err
		}

		f, perr := idm.ParseFrame(raw)
		if perr != nil {
			log.WithError(perr).Warn("dropping malformed frame")
			continue
		}
		if f.Header.SrcZone != zone {
			log.WithFields(logrus.Fields{
				"claimed_zone": f.Header.SrcZone,
			}).Warn("dropping frame with spoofed source zone")
			continue
		}
		if !f.Header.Kind.IsRequest() {
			log.WithField("kind", f.Header.Kind).Warn("dropping non-request frame")
			continue
		}

		out := b.dispatch(zone, f)
		b.recordOutcome(f.Header.Kind, out)

		resp := out.Frame(b.zone, zone, f.Header.SeqNum)
		if serr := conn.Send(resp.Encode()); serr != nil {
			log.WithError(serr).Warn("failed to send response")
			return serr
		}
	}
}

// Serve runs ServeConnection concurrently for every entry in conns,
// returning once every connection's loop has exited (ctx cancellation, an
// unrecoverable transport error, or peer disconnect). The per-zone FIFO
// ordering spec.md requires is preserved because each zone gets exactly
// one goroutine and one ring pair: no connection's messages are ever
// reordered by this fan-out.
func (b *Broker) Serve(ctx context.Context, conns map[idm.ZoneID]Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	for zone, conn := range conns {
		zone, conn := zone, conn
		g.Go(func() error {
			err := b.ServeConnection(gctx, zone, conn)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func isTimeout(err error) bool {
	return errors.Is(err, shm.ErrTimedOut)
}

func isClosed(err error) bool {
	return errors.Is(err, shm.ErrConnectionClosed) || errors.Is(err, shm.ErrRingClosed)
}
