// Package metrics registers the capture client's Prometheus collectors:
//
//	#cortexflow_frames_received_total
//	#cortexflow_frames_delivered_total
//	#cortexflow_frames_coalesced_total
//	#cortexflow_frames_malformed_total
//	#cortexflow_command_requests_total{command,code}
//	#cortexflow_command_duration_seconds{command}
//	#cortexflow_channel_drops_total{channel}
//	#cortexflow_channel_length{channel}
//	#cortexflow_marker_rows_total
//	#cortexflow_storage_writes_total{target,status}
//	#cortexflow_gauge{component,name} (gauges passed to EmitMetric)
//	#go_* and process_* system metrics
//
// and serves them on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cortexflow/logger"
)

var (
	once sync.Once

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortexflow_frames_received_total",
		Help: "Frame messages read from the capture host",
	})
	framesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortexflow_frames_delivered_total",
		Help: "Frames handed to the data handler",
	})
	framesCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortexflow_frames_coalesced_total",
		Help: "Frames overwritten before the data handler saw them",
	})
	framesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortexflow_frames_malformed_total",
		Help: "Frames discarded because they failed to decode",
	})
	commandRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortexflow_command_requests_total",
		Help: "Command channel requests by command and return code",
	}, []string{"command", "code"})
	commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortexflow_command_duration_seconds",
		Help:    "Command channel round-trip time",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"command"})
	channelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortexflow_channel_drops_total",
		Help: "Messages dropped because a pipeline channel was full",
	}, []string{"channel"})
	channelLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cortexflow_channel_length",
		Help: "Messages waiting in a pipeline channel",
	}, []string{"channel"})
	markerRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortexflow_marker_rows_total",
		Help: "Marker rows produced by the flattener",
	})
	storageWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortexflow_storage_writes_total",
		Help: "Flushes to a storage target",
	}, []string{"target", "status"})
	emittedGauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cortexflow_gauge",
		Help: "Latest value of gauges emitted through EmitMetric",
	}, []string{"component", "name"})
)

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			framesReceived,
			framesDelivered,
			framesCoalesced,
			framesMalformed,
			commandRequests,
			commandDuration,
			channelDrops,
			channelLength,
			markerRows,
			storageWrites,
			emittedGauges,
		)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Init()
	log := logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": addr})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server failed")
		return err
	}
	return nil
}

func FrameReceived()  { framesReceived.Inc() }
func FrameDelivered() { framesDelivered.Inc() }
func FrameCoalesced() { framesCoalesced.Inc() }
func FrameMalformed() { framesMalformed.Inc() }

func MarkerRows(n int) { markerRows.Add(float64(n)) }

// ObserveCommand records one command round trip.
func ObserveCommand(command, code string, d time.Duration) {
	commandRequests.WithLabelValues(command, code).Inc()
	commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func StorageWrite(target string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	storageWrites.WithLabelValues(target, status).Inc()
}
