package metrics

import (
	"context"
	"time"

	"cortexflow/internal/channel"
	"cortexflow/logger"
)

// StartChannelSizeMetrics emits occupancy of the recorder channels every
// interval until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, component, "frames_buffer_length", len(channels.Frames), "gauge", logger.Fields{
					"buffer":   "frames",
					"capacity": cap(channels.Frames),
				})
				EmitMetric(log, component, "batches_buffer_length", len(channels.Batches), "gauge", logger.Fields{
					"buffer":   "batches",
					"capacity": cap(channels.Batches),
				})
				if channels.Live != nil {
					EmitMetric(log, component, "live_buffer_length", len(channels.Live), "gauge", logger.Fields{
						"buffer":   "live",
						"capacity": cap(channels.Live),
					})
				}
				if channels.Warehouse != nil {
					EmitMetric(log, component, "warehouse_buffer_length", len(channels.Warehouse), "gauge", logger.Fields{
						"buffer":   "warehouse",
						"capacity": cap(channels.Warehouse),
					})
				}
				channelLength.WithLabelValues("frames").Set(float64(len(channels.Frames)))
				channelLength.WithLabelValues("batches").Set(float64(len(channels.Batches)))
			}
		}
	}()
}
