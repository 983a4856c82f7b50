package broker

import (
	"github.com/sirupsen/logrus"

	"github.com/davidaxion/vgpu-broker/internal/idm"
)

// recordOutcome updates metrics and, every statsEvery requests, logs a
// stats snapshot — the Go-native, structured-logging generalization of the
// original main.c's print_stats, which wrote handle count and total MB to
// stdout every 100 requests.
func (b *Broker) recordOutcome(kind idm.Kind, out Outcome) {
	n := b.requestCount.Add(1)

	if b.metrics != nil {
		b.metrics.Requests.WithLabelValues(kind.String()).Inc()
		if !out.IsOk() {
			b.metrics.Errors.WithLabelValues(kind.String(), out.err.ErrorCode.String()).Inc()
		}
		stats := b.handles.Stats()
		b.metrics.HandleCount.Set(float64(stats.HandleCount))
		b.metrics.ByteTotal.Set(float64(stats.ByteTotal))
	}

	if b.statsEvery > 0 && n%b.statsEvery == 0 {
		stats := b.handles.Stats()
		b.log.WithFields(logrus.Fields{
			"requests":     n,
			"handle_count": stats.HandleCount,
			"byte_total":   stats.ByteTotal,
			"mb_total":     float64(stats.ByteTotal) / (1 << 20),
		}).Info("broker stats")
	}
}
