package broker

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/davidaxion/vgpu-broker/internal/device"
	"github.com/davidaxion/vgpu-broker/internal/handle"
	"github.com/davidaxion/vgpu-broker/internal/idm"
	"github.com/davidaxion/vgpu-broker/internal/metrics"
)

// Broker is the top-level value tying together the handle table, the
// device driver, and the per-kind handlers. One Broker serves every
// connection a process accepts; there is no global/package-level state,
// following the teacher's instance-owned-state discipline.
type Broker struct {
	zone    idm.ZoneID
	handles *handle.Table
	driver  device.Driver
	log     *logrus.Logger
	metrics *metrics.Collector

	requestCount atomic.Uint64
	statsEvery   uint64
}

// Config configures a Broker at construction time. Zone and the transport
// backend are programmatic, not config-file driven, per spec.md §6: the
// wire-level identity of a broker is not something to change by editing a
// YAML file.
type Config struct {
	Zone       idm.ZoneID
	Driver     device.Driver
	Log        *logrus.Logger
	Metrics    *metrics.Collector
	StatsEvery uint64 // emit a stats snapshot every N requests; 0 selects the default of 100
}

// New constructs a Broker. If cfg.Driver is nil, an in-process device.Stub
// is used. If cfg.Log is nil, logrus.StandardLogger() is used.
func New(cfg Config) *Broker {
	drv := cfg.Driver
	if drv == nil {
		drv = device.NewStub()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	statsEvery := cfg.StatsEvery
	if statsEvery == 0 {
		statsEvery = 100 // matches the original main.c's print_stats cadence
	}
	return &Broker{
		zone:       cfg.Zone,
		handles:    handle.New(log),
		driver:     drv,
		log:        log,
		metrics:    cfg.Metrics,
		statsEvery: statsEvery,
	}
}

// Init performs one-time driver initialization. Must be called before
// Serve/ServeConnection.
func (b *Broker) Init() error {
	return b.driver.Init()
}

// Shutdown releases the driver's resources. Safe to call once.
func (b *Broker) Shutdown() error {
	return b.driver.Shutdown()
}

// dispatch routes a single request frame to its handler. The zone argument
// is the frame's authenticated source zone, trusted as the caller's
// identity for every handle-table lookup this request makes.
func (b *Broker) dispatch(zone idm.ZoneID, f idm.Frame) Outcome {
	switch f.Header.Kind {
	case idm.KindAlloc:
		return b.handleAlloc(zone, f)
	case idm.KindFree:
		return b.handleFree(zone, f)
	case idm.KindCopyH2D:
		return b.handleCopyH2D(zone, f)
	case idm.KindCopyD2H:
		return b.handleCopyD2H(zone, f)
	case idm.KindCopyD2D:
		return b.handleCopyD2D(zone, f)
	case idm.KindMemset:
		return b.handleMemset(zone, f)
	case idm.KindSync:
		return b.handleSync(zone, f)
	case idm.KindGetInfo:
		return b.handleGetInfo(zone, f)
	default:
		return Err(idm.ErrorInvalidFrame, 0, "unknown or non-request message kind")
	}
}

// HandleTableStats exposes the current handle-table occupancy, primarily
// for stats.go and tests.
func (b *Broker) HandleTableStats() handle.Stats {
	return b.handles.Stats()
}

// forgetZone removes every handle owned by zone. Called when a zone's
// connection tears down, so a future connection reusing that zone ID never
// inherits stale allocations.
func (b *Broker) forgetZone(zone idm.ZoneID) {
	removed := b.handles.RemoveAllForZone(zone)
	for _, rec := range removed {
		if err := b.driver.Free(rec.Ref); err != nil {
			b.log.WithFields(logrus.Fields{"zone": zone, "handle": rec.Handle}).
				WithError(err).Warn("failed to free handle during zone teardown")
		}
	}
}
