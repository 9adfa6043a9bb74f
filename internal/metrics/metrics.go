// Package metrics exposes the feed counters to Prometheus and forwards
// structured metric events to registered handlers such as the dashboard.
//
// Registered families:
//
//	marketfeed_frames_received_total
//	marketfeed_frame_bytes_total
//	marketfeed_records_emitted_total
//	marketfeed_records_dropped_total
//	marketfeed_decode_errors_total
//	marketfeed_probes_sent_total
//	marketfeed_liveness_failures_total
//	marketfeed_reconnects_total
//	marketfeed_registry_resolves_total
//	marketfeed_snapshot_requests_total
//	marketfeed_snapshot_request_seconds
//	marketfeed_rate_limit_events_total
//	marketfeed_used_weight
//	go_* and process_* system metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketfeed/logger"
)

const namespace = "marketfeed"

// Registry holds every collector of this package.
var Registry = prometheus.NewRegistry()

var (
	framesReceived   = counterVec("frames_received_total", "Frames read from vendor connections", "vendor")
	frameBytes       = counterVec("frame_bytes_total", "Bytes read from vendor connections", "vendor")
	recordsEmitted   = counterVec("records_emitted_total", "Records delivered to consumers", "vendor", "kind")
	recordsDropped   = counterVec("records_dropped_total", "Records dropped because the stream buffer was full", "vendor")
	decodeErrors     = counterVec("decode_errors_total", "Frames the vendor decoder rejected", "vendor")
	probesSent       = counterVec("probes_sent_total", "Heartbeat probes sent on idle connections", "connection")
	livenessFailures = counterVec("liveness_failures_total", "Connections closed for not answering a probe", "connection")
	reconnects       = counterVec("reconnects_total", "Stream reconnect attempts", "vendor")
	registryResolves = counterVec("registry_resolves_total", "Vendor registry lookups", "vendor", "kind", "source")
	snapshotRequests = counterVec("snapshot_requests_total", "Order book snapshot requests", "vendor", "outcome")
	rateLimitEvents  = counterVec("rate_limit_events_total", "Rate limit and IP ban responses", "vendor", "event")

	snapshotLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_request_seconds",
		Help:      "Order book snapshot request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"vendor"})

	usedWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "used_weight",
		Help:      "Request weight reported by the vendor REST API",
	}, []string{"vendor", "window"})
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func init() {
	Registry.MustRegister(
		framesReceived, frameBytes, recordsEmitted, recordsDropped, decodeErrors,
		probesSent, livenessFailures, reconnects, registryResolves,
		snapshotRequests, snapshotLatency, rateLimitEvents, usedWeight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// FrameReceived counts one inbound frame of size bytes.
func FrameReceived(vendor string, size int) {
	framesReceived.WithLabelValues(vendor).Inc()
	frameBytes.WithLabelValues(vendor).Add(float64(size))
	logger.RecordFrame(vendor, size)
}

// RecordEmitted counts a record handed to a consumer. kind is the channel
// it belongs to, such as orderbook or trades.
func RecordEmitted(vendor, kind string) {
	recordsEmitted.WithLabelValues(vendor, kind).Inc()
	logger.RecordEvent(vendor, logger.EventRecord)
}

func RecordDropped(vendor string) {
	recordsDropped.WithLabelValues(vendor).Inc()
	logger.RecordEvent(vendor, logger.EventDrop)
}

func DecodeError(vendor string) {
	decodeErrors.WithLabelValues(vendor).Inc()
	logger.RecordEvent(vendor, logger.EventDecodeError)
}

func ProbeSent(connection string) {
	probesSent.WithLabelValues(connection).Inc()
	logger.RecordEvent(connection, logger.EventProbe)
}

// LivenessFailure counts a dead connection and emits a metric event.
func LivenessFailure(connection string) {
	livenessFailures.WithLabelValues(connection).Inc()
	logger.RecordEvent(connection, logger.EventLivenessFailure)
	EmitMetric(nil, "liveness", "liveness_failure", int64(1), "counter", logger.Fields{"vendor": connection})
}

// Reconnect counts a reconnect attempt and emits a metric event.
func Reconnect(vendor string, attempt int) {
	reconnects.WithLabelValues(vendor).Inc()
	logger.RecordEvent(vendor, logger.EventReconnect)
	EmitMetric(nil, "reconnect", "reconnect_attempt", int64(attempt), "gauge", logger.Fields{"vendor": vendor})
}

// Resolve counts a registry lookup. source is override, builtin or missing.
func Resolve(vendor, kind, source string) {
	registryResolves.WithLabelValues(vendor, kind, source).Inc()
}

// SnapshotRequest records the outcome and latency of a REST snapshot.
func SnapshotRequest(vendor string, took time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	snapshotRequests.WithLabelValues(vendor, outcome).Inc()
	snapshotLatency.WithLabelValues(vendor).Observe(took.Seconds())
}
