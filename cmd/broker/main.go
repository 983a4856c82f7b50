// Command broker runs the vGPU broker core as a standalone process: it
// creates a shared-memory segment for one tenant zone, serves ALLOC/FREE/
// COPY_*/MEMSET/SYNC/GET_INFO requests against an in-process device stub,
// and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/davidaxion/vgpu-broker/internal/broker"
	"github.com/davidaxion/vgpu-broker/internal/config"
	"github.com/davidaxion/vgpu-broker/internal/device"
	"github.com/davidaxion/vgpu-broker/internal/idm"
	"github.com/davidaxion/vgpu-broker/internal/metrics"
	"github.com/davidaxion/vgpu-broker/internal/transport/shm"
)

// DriverZoneID and TenantZoneID are the default dev-harness zone IDs,
// carried over from the original test_client.c's DRIVER_ZONE_ID/
// USER_ZONE_ID. A production deployment assigns zone IDs out of band; the
// broker core itself is zone-agnostic.
const (
	DriverZoneID idm.ZoneID = 1
	TenantZoneID idm.ZoneID = 2
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.NewLoader().Load("broker.yaml")
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, lerr := logrus.ParseLevel(string(cfg.LogLevel)); lerr == nil {
		log.SetLevel(level)
	}

	segCfg := shm.SegmentConfig{
		ReqCapacity:  uint64(cfg.DefaultRingCap),
		ReqSlotSize:  shm.DefaultSlotSize,
		RespCapacity: uint64(cfg.DefaultRingCap),
		RespSlotSize: shm.DefaultSlotSize,
	}
	seg, err := shm.CreateSegment("broker", segCfg)
	if err != nil {
		log.WithError(err).Fatal("failed to create shared-memory segment")
	}

	mc := metrics.New()
	if err := mc.Register(prometheus.DefaultRegisterer); err != nil {
		log.WithError(err).Fatal("failed to register metrics")
	}
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.WithError(http.ListenAndServe(":9090", nil)).Warn("metrics server exited")
	}()

	b := broker.New(broker.Config{
		Zone:       DriverZoneID,
		Driver:     device.NewStub(),
		Log:        log,
		Metrics:    mc,
		StatsEvery: cfg.StatsEvery,
	})
	if err := b.Init(); err != nil {
		log.WithError(err).Fatal("failed to initialize device driver")
	}
	defer b.Shutdown()

	conn := shm.NewBrokerConn(seg)
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("zone", DriverZoneID).Info("broker started")
	err = b.ServeConnection(ctx, TenantZoneID, conn)
	if err != nil && err != context.Canceled {
		log.WithError(err).Error("connection loop exited with error")
		os.Exit(1)
	}
	log.Info("broker shut down cleanly")
}
