package handler

import (
	"context"
	"io"
)

// MetaData carries the key-value pairs a client supplied in the
// Upload-Metadata header at creation time, decoded from their base64 form.
type MetaData map[string]string

// FileInfo contains information about a specific upload resource.
type FileInfo struct {
	// ID uniquely identifies an upload resource.
	ID string
	// Total file size in bytes specified in the NewUpload call.
	Size int64
	// Offset in bytes (zero-based). The authoritative value is derived from
	// the staged body on disk, so a crash can never leave it overreported.
	Offset int64
	// MetaData contains additional meta data about the upload.
	MetaData MetaData
	// Dispatched reports whether the upload has already been handed to the
	// finalization pipeline. It is persisted in the sidecar and flipped at
	// most once per upload, which keeps the finalization event exactly-once.
	Dispatched bool
	// Storage contains additional information about where the data store
	// saves the upload. The available keys depend on the used data store.
	Storage map[string]string
}

// Upload represents an upload in the data store.
type Upload interface {
	// GetInfo returns the FileInfo for this upload.
	GetInfo(ctx context.Context) (FileInfo, error)
	// WriteChunk takes a reader and appends its content to the upload at the
	// given offset. The store persists what arrived even if the reader ends
	// early and reports the number of bytes written.
	WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error)
	// FinishUpload indicates that the upload is complete and no more chunks
	// will be appended.
	FinishUpload(ctx context.Context) error
	// MarkDispatched records in the sidecar that the upload has been handed
	// to the finalization pipeline. It reports whether this call was the
	// first to do so. Callers must hold the upload's lock.
	MarkDispatched(ctx context.Context) (bool, error)
}

// DataStore is the interface that must be implemented by a data store.
type DataStore interface {
	// NewUpload creates a new upload using the given upload information.
	NewUpload(ctx context.Context, info FileInfo) (Upload, error)
	// GetUpload returns the upload with the specified upload ID. If no such
	// upload exists, ErrNotFound must be returned.
	GetUpload(ctx context.Context, id string) (Upload, error)
}

type TerminatableUpload interface {
	// Terminate an upload so any further requests to the upload resource will
	// return the ErrNotFound error.
	Terminate(ctx context.Context) error
}

// TerminaterDataStore is the interface which must be implemented by data
// stores if they want to receive DELETE requests using the Handler. If this
// interface is not implemented, no request handler for this method is
// attached.
type TerminaterDataStore interface {
	AsTerminatableUpload(upload Upload) TerminatableUpload
}

// Locker is the interface required for custom lock persisting mechanisms.
// When multiple requests are attempting to access an upload, whether it be
// by reading or writing, a synchronization mechanism is required to prevent
// data corruption, especially to ensure correct offset values and the proper
// order of chunks inside a single upload.
type Locker interface {
	// NewLock creates a new unlocked lock object for the given upload ID.
	NewLock(id string) (Lock, error)
}

// Lock is the interface for a lock as returned from a Locker.
type Lock interface {
	// Lock attempts to obtain an exclusive lock for the upload specified
	// by its id.
	// If the lock can be acquired, it will return without error. The
	// requestUnlock callback is invoked when another caller attempts to create
	// a lock. In this case, the holder of the lock should attempt to release
	// the lock as soon as possible.
	// If the lock is already held, the holder's requestUnlock function will be
	// invoked to request the lock to be released. If the context is cancelled
	// before the lock can be acquired, ErrLockTimeout will be returned without
	// acquiring the lock.
	Lock(ctx context.Context, requestUnlock func()) error
	// Unlock releases an existing lock for the given upload.
	Unlock() error
}
