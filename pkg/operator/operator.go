// Package operator serves the non-protocol HTTP surface: health probes,
// inspection of staged and failed uploads, manual recovery triggers, and the
// metrics and profiling endpoints.
package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bmizerany/pat"
	"github.com/rs/zerolog"

	"github.com/wedocs/ingestd/pkg/finalizer"
	"github.com/wedocs/ingestd/pkg/stagingstore"
)

// healthTimeout bounds the object-store probe behind /health/minio.
const healthTimeout = 5 * time.Second

// Health is the connectivity probe of the object store.
type Health interface {
	Healthy(ctx context.Context) error
}

// Pipeline is the recovery side of the finalization pipeline.
// *finalizer.Finalizer implements it.
type Pipeline interface {
	Retry(ctx context.Context, id string) error
	ProcessPending(ctx context.Context) ([]finalizer.PendingResult, error)
}

// Operator bundles the dependencies of the endpoints.
type Operator struct {
	store    stagingstore.StagingStore
	pipeline Pipeline
	registry *finalizer.FailureRegistry
	health   Health
	logger   zerolog.Logger
}

// New builds the operator surface. The registry is the same instance the
// finalizer records into.
func New(store stagingstore.StagingStore, pipeline Pipeline, registry *finalizer.FailureRegistry, health Health, logger zerolog.Logger) *Operator {
	return &Operator{
		store:    store,
		pipeline: pipeline,
		registry: registry,
		health:   health,
		logger:   logger.With().Str("component", "operator").Logger(),
	}
}

// Routes returns the health and debug endpoints as one handler. Metrics and
// pprof are mounted separately, see SetupMetrics and SetupPprof.
func (o *Operator) Routes() http.Handler {
	mux := pat.New()

	mux.Get("/health", http.HandlerFunc(o.getHealth))
	mux.Get("/health/minio", http.HandlerFunc(o.getHealthMinio))
	mux.Get("/debug/uploads", http.HandlerFunc(o.getUploads))
	mux.Get("/debug/failed-uploads", http.HandlerFunc(o.getFailedUploads))
	mux.Post("/debug/retry-upload/:uploadId", http.HandlerFunc(o.postRetryUpload))
	mux.Post("/debug/process-pending", http.HandlerFunc(o.postProcessPending))

	return mux
}

func (o *Operator) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o *Operator) getHealthMinio(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := o.health.Healthy(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("StoreProbeFailed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

// uploadFile is the JSON view of one staged body.
type uploadFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (o *Operator) getUploads(w http.ResponseWriter, r *http.Request) {
	pending, err := o.store.ListPending()
	if err != nil {
		o.logger.Error().Err(err).Msg("PendingListFailed")
		writeError(w, http.StatusInternalServerError, "listing staged uploads failed")
		return
	}

	files := make([]uploadFile, 0, len(pending))
	for _, file := range pending {
		files = append(files, uploadFile{Name: file.ID, Path: file.Path, Size: file.Size})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

func (o *Operator) getFailedUploads(w http.ResponseWriter, r *http.Request) {
	failed := o.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failedUploads": failed,
		"count":         len(failed),
	})
}

func (o *Operator) postRetryUpload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":uploadId")
	o.logger.Info().Str("id", id).Msg("RetryRequested")

	err := o.pipeline.Retry(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "upload " + id + " finalized",
		})
	case err == finalizer.ErrUnknownUpload:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "no failed upload with id " + id,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
	}
}

func (o *Operator) postProcessPending(w http.ResponseWriter, r *http.Request) {
	o.logger.Info().Msg("PendingSweepRequested")

	results, err := o.pipeline.ProcessPending(r.Context())
	if err != nil {
		o.logger.Error().Err(err).Msg("PendingSweepFailed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	processed := 0
	for _, result := range results {
		if result.Status == "processed" {
			processed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": processed,
		"failed":    len(results) - processed,
		"total":     len(results),
		"results":   results,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is out by now, an encode failure only truncates the body.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
