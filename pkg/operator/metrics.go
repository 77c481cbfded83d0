package operator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wedocs/ingestd/pkg/finalizer"
	"github.com/wedocs/ingestd/pkg/handler"
	"github.com/wedocs/ingestd/pkg/prometheuscollector"
)

// SetupMetrics registers the handler's and the pipeline's collectors with
// the default Prometheus registry, which already carries the Go and process
// collectors, and mounts the exposition handler on mux at path.
func SetupMetrics(mux *http.ServeMux, path string, handlerMetrics handler.Metrics, pipelineMetrics finalizer.Metrics) {
	prometheus.MustRegister(prometheuscollector.New(handlerMetrics))
	prometheus.MustRegister(prometheuscollector.NewFinalizer(pipelineMetrics))

	mux.Handle(path, promhttp.Handler())
}
