// package prometheuscollector exposes the upload handler's and the
// finalization pipeline's counters in the Prometheus exposition format
// (https://prometheus.io/docs/instrumenting/exposition_formats/):
//
//	collector := prometheuscollector.New(handler.Metrics)
//	prometheus.MustRegister(collector)
//	prometheus.MustRegister(prometheuscollector.NewFinalizer(finalizer.Metrics))
package prometheuscollector

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wedocs/ingestd/pkg/finalizer"
	"github.com/wedocs/ingestd/pkg/handler"
)

var (
	requestsTotalDesc = prometheus.NewDesc(
		"ingestd_requests_total",
		"Total number of requests served per method.",
		[]string{"method"}, nil)
	errorsTotalDesc = prometheus.NewDesc(
		"ingestd_errors_total",
		"Total number of returned protocol errors per status.",
		[]string{"status", "message"}, nil)
	bytesReceivedDesc = prometheus.NewDesc(
		"ingestd_bytes_received",
		"Number of bytes received for uploads.",
		nil, nil)
	uploadsCreatedDesc = prometheus.NewDesc(
		"ingestd_uploads_created",
		"Number of created uploads.",
		nil, nil)
	uploadsFinishedDesc = prometheus.NewDesc(
		"ingestd_uploads_finished",
		"Number of fully received uploads.",
		nil, nil)
	uploadsTerminatedDesc = prometheus.NewDesc(
		"ingestd_uploads_terminated",
		"Number of terminated uploads.",
		nil, nil)
)

type Collector struct {
	metrics handler.Metrics
}

// New creates a new collector which reads from the provided Metrics struct.
func New(metrics handler.Metrics) Collector {
	return Collector{
		metrics: metrics,
	}
}

func (_ Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- requestsTotalDesc
	descs <- errorsTotalDesc
	descs <- bytesReceivedDesc
	descs <- uploadsCreatedDesc
	descs <- uploadsFinishedDesc
	descs <- uploadsTerminatedDesc
}

func (c Collector) Collect(metrics chan<- prometheus.Metric) {
	for method, valuePtr := range c.metrics.RequestsTotal {
		metrics <- prometheus.MustNewConstMetric(
			requestsTotalDesc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(valuePtr)),
			method,
		)
	}

	for httpError, valuePtr := range c.metrics.ErrorsTotal.Load() {
		metrics <- prometheus.MustNewConstMetric(
			errorsTotalDesc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(valuePtr)),
			strconv.Itoa(httpError.StatusCode),
			httpError.Message,
		)
	}

	metrics <- prometheus.MustNewConstMetric(
		bytesReceivedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.BytesReceived)),
	)

	metrics <- prometheus.MustNewConstMetric(
		uploadsFinishedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.UploadsFinished)),
	)

	metrics <- prometheus.MustNewConstMetric(
		uploadsCreatedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.UploadsCreated)),
	)

	metrics <- prometheus.MustNewConstMetric(
		uploadsTerminatedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.UploadsTerminated)),
	)
}

var (
	uploadsFinalizedDesc = prometheus.NewDesc(
		"ingestd_uploads_finalized",
		"Number of uploads verified in the object store and cleaned from staging.",
		nil, nil)
	bytesFinalizedDesc = prometheus.NewDesc(
		"ingestd_bytes_finalized",
		"Number of staged bytes moved into the object store.",
		nil, nil)
	finalizationsFailedDesc = prometheus.NewDesc(
		"ingestd_finalizations_failed",
		"Number of finalization failures recorded in the registry.",
		nil, nil)
	assembliesCompletedDesc = prometheus.NewDesc(
		"ingestd_assemblies_completed",
		"Number of multi-part sets assembled and finalized.",
		nil, nil)
	assembliesDroppedDesc = prometheus.NewDesc(
		"ingestd_assemblies_dropped",
		"Number of assemblies dropped over conflicting or missing parts.",
		nil, nil)
	assembliesReapedDesc = prometheus.NewDesc(
		"ingestd_assemblies_reaped",
		"Number of stale incomplete assemblies evicted by the reaper.",
		nil, nil)
	retriesRequestedDesc = prometheus.NewDesc(
		"ingestd_retries_requested",
		"Number of operator retries for failed uploads.",
		nil, nil)
)

// FinalizerCollector exposes the finalization pipeline's counters.
type FinalizerCollector struct {
	metrics finalizer.Metrics
}

// NewFinalizer creates a collector reading from the pipeline's Metrics.
func NewFinalizer(metrics finalizer.Metrics) FinalizerCollector {
	return FinalizerCollector{
		metrics: metrics,
	}
}

func (_ FinalizerCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- uploadsFinalizedDesc
	descs <- bytesFinalizedDesc
	descs <- finalizationsFailedDesc
	descs <- assembliesCompletedDesc
	descs <- assembliesDroppedDesc
	descs <- assembliesReapedDesc
	descs <- retriesRequestedDesc
}

func (c FinalizerCollector) Collect(metrics chan<- prometheus.Metric) {
	counters := []struct {
		desc  *prometheus.Desc
		value *uint64
	}{
		{uploadsFinalizedDesc, c.metrics.UploadsFinalized},
		{bytesFinalizedDesc, c.metrics.BytesFinalized},
		{finalizationsFailedDesc, c.metrics.FinalizationsFailed},
		{assembliesCompletedDesc, c.metrics.AssembliesCompleted},
		{assembliesDroppedDesc, c.metrics.AssembliesDropped},
		{assembliesReapedDesc, c.metrics.StaleAssembliesReaped},
		{retriesRequestedDesc, c.metrics.RetriesRequested},
	}

	for _, counter := range counters {
		metrics <- prometheus.MustNewConstMetric(
			counter.desc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(counter.value)),
		)
	}
}
