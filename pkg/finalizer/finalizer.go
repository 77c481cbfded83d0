// Package finalizer drains the upload handler's finished-upload events into
// the object store. Single-file uploads go straight up, client-side split
// uploads are reassembled first, and staged bytes are only deleted after the
// remote copy's size has been verified. Failures land in an in-memory
// registry for operator inspection and retry.
package finalizer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wedocs/ingestd/pkg/handler"
	"github.com/wedocs/ingestd/pkg/objstore"
	"github.com/wedocs/ingestd/pkg/stagingstore"
)

const (
	defaultWorkers      = 4
	defaultReapInterval = time.Hour
	defaultStaleAfter   = time.Hour
)

// ErrUnknownUpload is returned by Retry when no failure is registered under
// the given id.
var ErrUnknownUpload = errors.New("finalizer: no failed upload with this id")

// ObjectStore is the remote side of the pipeline. *objstore.Client
// implements it.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	PutFile(ctx context.Context, key, path string, opts objstore.PutOptions) error
	Stat(ctx context.Context, key string) (objstore.ObjectInfo, error)
}

// Config carries the pipeline's tunables. Zero values select the defaults.
type Config struct {
	// Workers is the number of goroutines consuming finished-upload events.
	// It also bounds the concurrency of ProcessPending.
	Workers int
	// ReapInterval is how often the reaper sweeps for stale assemblies.
	ReapInterval time.Duration
	// StaleAfter is the age at which an incomplete assembly is evicted.
	StaleAfter time.Duration
}

// Finalizer moves completed uploads from the staging directory into the
// object store.
type Finalizer struct {
	// Metrics counts the pipeline's outcomes, see the Metrics type.
	Metrics Metrics

	store    stagingstore.StagingStore
	remote   ObjectStore
	registry *FailureRegistry
	asm      *assembler
	logger   zerolog.Logger

	workers      int
	reapInterval time.Duration
	staleAfter   time.Duration
}

// New builds a finalizer on top of the staging store and the object store.
// The registry is shared with the operator surface.
func New(store stagingstore.StagingStore, remote ObjectStore, registry *FailureRegistry, logger zerolog.Logger, config Config) *Finalizer {
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaultReapInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaultStaleAfter
	}

	return &Finalizer{
		Metrics:      newMetrics(),
		store:        store,
		remote:       remote,
		registry:     registry,
		asm:          newAssembler(),
		logger:       logger.With().Str("component", "finalizer").Logger(),
		workers:      config.Workers,
		reapInterval: config.ReapInterval,
		staleAfter:   config.StaleAfter,
	}
}

// Run consumes finished-upload events until the channel closes or ctx is
// cancelled. It blocks, so callers start it in its own goroutine. The reaper
// runs separately, see RunReaper.
func (f *Finalizer) Run(ctx context.Context, uploads <-chan handler.UploadDescriptor) {
	var wg sync.WaitGroup
	wg.Add(f.workers)

	for i := 0; i < f.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case desc, ok := <-uploads:
					if !ok {
						return
					}
					f.finalize(ctx, desc)
				}
			}
		}()
	}

	wg.Wait()
}

// RunReaper periodically evicts assemblies that sat incomplete for longer
// than the staleness threshold, deleting their staged parts and recording a
// failure per eviction. It blocks until ctx is done.
func (f *Finalizer) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(f.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reapStale()
		}
	}
}

func (f *Finalizer) reapStale() {
	for _, stale := range f.asm.evictStale(f.staleAfter) {
		for _, path := range stale.paths {
			f.removeStaged(path)
		}
		f.Metrics.incStaleReaped()
		err := errors.Errorf("finalizer: assembly incomplete after %v, evicted", f.staleAfter)
		f.fail(FailedUpload{ID: stale.multipartID, Meta: stale.meta}, err)
	}
}

// finalize routes one finished upload. Parts of a split upload go through
// the assembler, everything else is a single file.
func (f *Finalizer) finalize(ctx context.Context, desc handler.UploadDescriptor) {
	if desc.Meta.IsMultipart() {
		f.finalizePart(ctx, desc)
		return
	}
	// The error is recorded in the registry, nothing to propagate here.
	_ = f.finalizeSingle(ctx, desc)
}

// finalizeSingle uploads one staged body and deletes it once the remote copy
// is verified. It serves plain uploads, operator retries and the pending
// sweep. Staged bytes survive every failure path.
func (f *Finalizer) finalizeSingle(ctx context.Context, desc handler.UploadDescriptor) error {
	size, key, err := f.finalizeObject(ctx, desc.ID, desc.StagedPath, desc.Meta, nil)
	if err != nil {
		entry := FailedUpload{ID: desc.ID, StagedPath: desc.StagedPath, Meta: desc.Meta}
		if errors.Is(err, os.ErrNotExist) {
			entry.StagedPath = ""
		}
		f.fail(entry, err)
		return err
	}

	f.removeStaged(desc.StagedPath)
	f.registry.Remove(desc.ID)
	f.Metrics.incFinalized(uint64(size))
	f.logger.Info().Str("id", desc.ID).Str("key", key).Int64("size", size).Msg("UploadFinalized")
	return nil
}

// finalizePart records one part and, when it completes the set, assembles
// and uploads the whole artifact. All deletions implied by the outcome
// happen here, outside the assembler lock.
func (f *Finalizer) finalizePart(ctx context.Context, desc handler.UploadDescriptor) {
	multipartID := desc.Meta.MultipartID
	outcome := f.asm.recordPart(desc)

	if outcome.replacedPath != "" {
		f.logger.Info().Str("multipartId", multipartID).Int("partIndex", desc.Meta.PartIndex).Msg("PartReplaced")
		f.removeStaged(outcome.replacedPath)
	}

	if outcome.conflict {
		for _, path := range outcome.dropPaths {
			f.removeStaged(path)
		}
		f.Metrics.incAssemblyDropped()
		err := errors.Errorf("finalizer: part %d disagrees on totalParts or filename, assembly dropped", desc.Meta.PartIndex)
		f.fail(FailedUpload{ID: multipartID, Meta: desc.Meta}, err)
		return
	}

	if !outcome.complete {
		f.logger.Info().Str("multipartId", multipartID).Int("partIndex", desc.Meta.PartIndex).Msg("PartRecorded")
		return
	}

	f.finalizeAssembly(ctx, multipartID, outcome.parts, outcome.meta)
}

// finalizeAssembly concatenates the staged parts in index order and runs the
// result through the upload steps under the multipart id. On verified
// success the assembled artifact, every part body and their sidecars are
// deleted. On upload failure only the assembled artifact is deleted, the
// parts stay for recovery.
func (f *Finalizer) finalizeAssembly(ctx context.Context, multipartID string, partPaths []string, meta handler.Metadata) {
	assembledPath, _, err := f.store.AssembleParts(multipartID, partPaths)
	if err != nil {
		for _, path := range partPaths {
			f.removeStaged(path)
		}
		f.Metrics.incAssemblyDropped()
		f.fail(FailedUpload{ID: multipartID, Meta: meta}, err)
		return
	}

	extra := map[string]string{
		"multipart-id": multipartID,
		"total-parts":  strconv.Itoa(meta.TotalParts),
	}
	size, key, err := f.finalizeObject(ctx, multipartID, assembledPath, meta, extra)
	if err != nil {
		f.removePath(assembledPath)
		f.fail(FailedUpload{ID: multipartID, Meta: meta}, err)
		return
	}

	f.removePath(assembledPath)
	for _, path := range partPaths {
		f.removeStaged(path)
	}
	f.registry.Remove(multipartID)
	f.Metrics.incAssemblyCompleted()
	f.Metrics.incFinalized(uint64(size))
	f.logger.Info().Str("multipartId", multipartID).Str("key", key).Int64("size", size).Int("parts", len(partPaths)).Msg("AssemblyFinalized")
}

// finalizeObject runs the steps shared by every upload: stat the staged
// artifact, derive the key, ensure the bucket, put, verify the remote size.
// It never deletes anything.
func (f *Finalizer) finalizeObject(ctx context.Context, id, stagedPath string, meta handler.Metadata, extra map[string]string) (int64, string, error) {
	stat, err := os.Stat(stagedPath)
	if err != nil {
		return 0, "", errors.Wrap(err, "finalizer: statting staged body")
	}
	if stat.Size() == 0 {
		return 0, "", errors.Errorf("finalizer: staged body for %q is empty", id)
	}

	key, err := ObjectKeyFor(id, meta)
	if err != nil {
		return 0, "", err
	}

	if err := f.remote.EnsureBucket(ctx); err != nil {
		return 0, "", err
	}

	if err := f.remote.PutFile(ctx, key, stagedPath, putOptionsFor(id, meta, extra)); err != nil {
		return 0, "", err
	}

	remote, err := f.remote.Stat(ctx, key)
	if err != nil {
		return 0, "", errors.Wrap(err, "finalizer: verifying remote object")
	}
	if remote.Size != stat.Size() {
		return 0, "", errors.Errorf("finalizer: remote size %d does not match staged size %d for %q", remote.Size, stat.Size(), key)
	}

	return stat.Size(), key, nil
}

// Retry re-runs finalization for a registered failure. It converges when the
// remote object already matches: the artifact is uploaded, verified, staged
// bytes deleted and the entry dropped.
func (f *Finalizer) Retry(ctx context.Context, id string) error {
	entry, ok := f.registry.Get(id)
	if !ok {
		return ErrUnknownUpload
	}

	f.Metrics.incRetry()
	f.logger.Info().Str("id", id).Msg("RetryRequested")

	return f.finalizeSingle(ctx, handler.UploadDescriptor{
		ID:         entry.ID,
		StagedPath: entry.StagedPath,
		Meta:       entry.Meta,
	})
}

// PendingResult is the per-upload outcome of a pending sweep.
type PendingResult struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProcessPending finalizes every staged body still on disk, typically after
// a restart. Sidecar metadata is used where readable, defaults otherwise.
// Every body runs through the single-file path, with concurrency bounded by
// the worker count.
func (f *Finalizer) ProcessPending(ctx context.Context) ([]PendingResult, error) {
	pending, err := f.store.ListPending()
	if err != nil {
		return nil, err
	}

	results := make([]PendingResult, len(pending))

	var group errgroup.Group
	group.SetLimit(f.workers)
	for i, file := range pending {
		group.Go(func() error {
			desc := f.descriptorFor(file)
			result := PendingResult{UploadID: file.ID, Filename: desc.Meta.Filename}
			if err := f.finalizeSingle(ctx, desc); err != nil {
				result.Status = "failed"
				result.Error = err.Error()
			} else {
				result.Status = "processed"
			}
			results[i] = result
			return nil
		})
	}
	// Workers report through results and never return errors.
	_ = group.Wait()

	return results, nil
}

// descriptorFor rebuilds a finalization descriptor for a staged body found
// on disk.
func (f *Finalizer) descriptorFor(file stagingstore.PendingFile) handler.UploadDescriptor {
	desc := handler.UploadDescriptor{
		ID:         file.ID,
		Size:       file.Size,
		StagedPath: file.Path,
		Meta:       handler.Metadata{PartIndex: -1},
	}
	if info, err := f.store.ReadInfo(file.ID); err == nil {
		desc.Meta = handler.ParseMetadata(info.MetaData)
	}
	return desc
}

// putOptionsFor builds the object headers for an upload. Values are
// sanitized by the object-store client before they reach the wire.
func putOptionsFor(id string, meta handler.Metadata, extra map[string]string) objstore.PutOptions {
	contentType := meta.Filetype
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	filename := meta.Filename
	if filename == "" {
		filename = id
	}

	userMeta := map[string]string{
		"original-filename": filename,
		"user-id":           userOrDefault(meta.UserID),
		"stage":             stageOrDefault(meta.Stage),
		"upload-id":         id,
	}
	for key, value := range extra {
		userMeta[key] = value
	}

	return objstore.PutOptions{
		ContentType:  contentType,
		UserMetadata: userMeta,
	}
}

// fail records the failure for operator inspection and retry. The staged
// bytes referenced by the entry stay on disk.
func (f *Finalizer) fail(entry FailedUpload, err error) {
	entry.LastError = err.Error()
	f.registry.Record(entry)
	f.Metrics.incFailed()
	f.logger.Error().Str("id", entry.ID).Err(err).Msg("FinalizationFailed")
}

// removeStaged deletes a staged body and its sidecar by path. Failures are
// logged, not propagated: at this point the remote copy is verified or the
// artifact is being dropped deliberately.
func (f *Finalizer) removeStaged(path string) {
	if path == "" {
		return
	}
	if err := f.store.Remove(filepath.Base(path)); err != nil {
		f.logger.Warn().Str("path", path).Err(err).Msg("StagedRemoveFailed")
	}
}

// removePath deletes a single staged file, used for assembled artifacts
// which have no sidecar.
func (f *Finalizer) removePath(path string) {
	if err := f.store.RemovePath(path); err != nil {
		f.logger.Warn().Str("path", path).Err(err).Msg("StagedRemoveFailed")
	}
}
