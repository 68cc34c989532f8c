// Package metrics defines the Prometheus metrics exported by the
// ingestion core, following this codebase's <domain>_<subject>_<unit>
// naming convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_records_read_total",
		Help: "Total change records pulled from the upstream source, by stream and kind.",
	}, []string{"stream", "kind"})

	RecordsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_records_suppressed_total",
		Help: "Total change records dropped by the coalescer, by stream and reason.",
	}, []string{"stream", "reason"})

	RecordsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_records_pushed_total",
		Help: "Total change records handed to the pipeline, by stream.",
	}, []string{"stream"})

	RecordsSynthesized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_records_synthesized_total",
		Help: "Total synthetic records injected by the rename/unlink rewriter, by stream and kind.",
	}, []string{"stream", "kind"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clingest_coalesce_queue_depth",
		Help: "Current number of staged operations in a stream's coalescing queue.",
	}, []string{"stream"})

	WatermarkRecordID = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clingest_watermark_record_id",
		Help: "Current record id of a stream watermark, by stream and watermark name.",
	}, []string{"stream", "watermark"})

	AcknowledgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_acknowledged_total",
		Help: "Total upstream clear calls issued, by stream.",
	}, []string{"stream"})

	ReopenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_source_reopen_total",
		Help: "Total times a stream's upstream source was reopened after EOF, by stream.",
	}, []string{"stream"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_rename_protocol_violations_total",
		Help: "Total rename/ext pairing protocol violations observed, by stream.",
	}, []string{"stream"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clingest_errors_total",
		Help: "Total errors encountered, by component and severity.",
	}, []string{"component", "severity"})

	CheckpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clingest_checkpoint_duration_seconds",
		Help:    "Time spent persisting stream watermarks and stats.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clingest_process_cpu_percent",
		Help: "Process CPU utilization percent, sampled periodically by the coordinator.",
	})

	ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clingest_process_memory_rss_bytes",
		Help: "Process resident memory in bytes, sampled periodically by the coordinator.",
	})
)
