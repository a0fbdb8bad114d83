package metrics

import "cortexflow/logger"

// DropMetric names the metric emitted when a channel message is dropped.
type DropMetric string

const (
	// DropMetricFrameOwned records owned frames dropped before flattening.
	DropMetricFrameOwned DropMetric = "owned_frames_dropped"
	// DropMetricMarkerBatch records marker batches dropped before a writer.
	DropMetricMarkerBatch DropMetric = "marker_batches_dropped"
)

// EmitDropMetric counts one dropped message. body and stage are optional
// and become metric fields when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, body, stage string) {
	channelDrops.WithLabelValues(string(metric)).Inc()

	fields := logger.Fields{}
	if body != "" {
		fields["body"] = body
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
