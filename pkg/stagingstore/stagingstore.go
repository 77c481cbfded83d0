// Package stagingstore provides the local staging area for in-progress
// uploads.
//
// Every upload owns two files in a single flat directory: `[id]` contains
// the raw bytes received so far and `[id].info` is a JSON sidecar holding
// the FileInfo record. The body is append-only. The sidecar is rewritten
// atomically (write to a temporary file, then rename) after every change,
// so a crash may leave the recorded offset behind the body on disk, but
// never ahead of it. The body's size is the authoritative offset.
//
// Assembled multi-part artifacts live in the same directory under an
// "assembled-" prefix and are excluded from ListPending.
package stagingstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"github.com/wedocs/ingestd/internal/uid"
	"github.com/wedocs/ingestd/pkg/handler"
)

var defaultFilePerm = os.FileMode(0664)

// AssembledPrefix marks staged files that are re-assembled multi-part
// artifacts rather than upload bodies. They must never be treated as
// pending uploads.
const AssembledPrefix = "assembled-"

// PendingFile describes one staged upload body found by ListPending.
type PendingFile struct {
	ID   string
	Path string
	Size int64
}

// StagingStore keeps upload bodies and their sidecars in Path. It implements
// handler.DataStore and handler.TerminaterDataStore. The store does not
// create Path itself, use os.MkdirAll before handing it out.
type StagingStore struct {
	// Path is the staging directory, relative or absolute.
	Path string
}

// New creates a staging store using the given directory.
func New(path string) StagingStore {
	return StagingStore{Path: path}
}

// UseIn sets this store as the core data store in the passed composer and
// registers the termination extension.
func (store StagingStore) UseIn(composer *handler.StoreComposer) {
	composer.UseCore(store)
	composer.UseTerminater(store)
}

func (store StagingStore) NewUpload(ctx context.Context, info handler.FileInfo) (handler.Upload, error) {
	id := uid.Uid()
	binPath := store.binPath(id)
	info.ID = id
	info.Storage = map[string]string{
		"Type": "stagingstore",
		"Path": binPath,
	}

	// Create the empty body file first. If the directory is missing we want
	// the clearer error before any sidecar exists.
	file, err := os.OpenFile(binPath, os.O_CREATE|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			err = errors.Errorf("upload directory does not exist: %s", store.Path)
		}
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	upload := &fileUpload{
		info:     info,
		binPath:  binPath,
		infoPath: store.infoPath(id),
	}

	if err := upload.writeInfo(); err != nil {
		return nil, err
	}

	return upload, nil
}

func (store StagingStore) GetUpload(ctx context.Context, id string) (handler.Upload, error) {
	if !isSafeName(id) {
		// The id ends up in file paths, so anything that could climb out of
		// the staging directory is treated as unknown.
		return nil, handler.ErrNotFound
	}

	info, err := store.readInfo(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, handler.ErrNotFound
		}
		return nil, err
	}

	binPath := store.binPath(id)
	stat, err := os.Stat(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, handler.ErrNotFound
		}
		return nil, err
	}

	// The body on disk is the source of truth for the offset. The sidecar
	// may lag behind it after a crash, but must never be ahead.
	info.Offset = stat.Size()

	return &fileUpload{
		info:     info,
		binPath:  binPath,
		infoPath: store.infoPath(id),
	}, nil
}

func (store StagingStore) AsTerminatableUpload(upload handler.Upload) handler.TerminatableUpload {
	return upload.(*fileUpload)
}

// ReadInfo returns the sidecar record for the given upload with the offset
// corrected from the body's on-disk size. It is used by the finalization
// pipeline, which does not need a full handler.Upload.
func (store StagingStore) ReadInfo(id string) (handler.FileInfo, error) {
	if !isSafeName(id) {
		return handler.FileInfo{}, errors.Errorf("stagingstore: unsafe upload id %q", id)
	}

	info, err := store.readInfo(id)
	if err != nil {
		return handler.FileInfo{}, err
	}

	if stat, err := os.Stat(store.binPath(id)); err == nil {
		info.Offset = stat.Size()
	}

	return info, nil
}

// Remove deletes the body and sidecar for the given upload. Files that are
// already gone are not an error, so the call is safe to repeat.
func (store StagingStore) Remove(id string) error {
	if !isSafeName(id) {
		return errors.Errorf("stagingstore: unsafe upload id %q", id)
	}

	if err := os.Remove(store.infoPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(store.binPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemovePath deletes a single staged file by its absolute path after
// verifying that it resides inside the staging directory.
func (store StagingStore) RemovePath(path string) error {
	dir, err := filepath.Abs(store.Path)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if filepath.Dir(abs) != dir {
		return errors.Errorf("stagingstore: path %q is outside the staging directory", path)
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListPending returns all staged upload bodies: regular files that are
// neither sidecars nor assembled artifacts.
func (store StagingStore) ListPending() ([]PendingFile, error) {
	entries, err := os.ReadDir(store.Path)
	if err != nil {
		return nil, errors.Wrap(err, "stagingstore: reading staging directory")
	}

	var pending []PendingFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".info") || strings.HasPrefix(name, AssembledPrefix) {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			// Raced with a concurrent delete, the file is no longer pending.
			continue
		}

		pending = append(pending, PendingFile{
			ID:   name,
			Path: store.binPath(name),
			Size: fi.Size(),
		})
	}

	return pending, nil
}

// AssembleParts concatenates the given staged part bodies, in the order
// provided, into a new artifact named assembled-<multipartID> inside the
// staging directory. It returns the artifact's path and size. On any error
// the partial artifact is removed before returning.
func (store StagingStore) AssembleParts(multipartID string, partPaths []string) (string, int64, error) {
	if !isSafeName(multipartID) {
		return "", 0, errors.Errorf("stagingstore: unsafe multipart id %q", multipartID)
	}

	dstPath := store.binPath(AssembledPrefix + multipartID)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return "", 0, errors.Wrap(err, "stagingstore: creating assembled artifact")
	}

	var written int64
	for _, partPath := range partPaths {
		src, err := os.Open(partPath)
		if err != nil {
			dst.Close()
			os.Remove(dstPath)
			return "", 0, errors.Wrapf(err, "stagingstore: opening part %s", filepath.Base(partPath))
		}

		n, err := io.Copy(dst, src)
		src.Close()
		if err != nil {
			dst.Close()
			os.Remove(dstPath)
			return "", 0, errors.Wrapf(err, "stagingstore: copying part %s", filepath.Base(partPath))
		}
		written += n
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", 0, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", 0, err
	}

	return dstPath, written, nil
}

func (store StagingStore) readInfo(id string) (handler.FileInfo, error) {
	info := handler.FileInfo{}

	data, err := os.ReadFile(store.infoPath(id))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, errors.Wrapf(err, "stagingstore: decoding sidecar for %s", id)
	}

	return info, nil
}

// binPath returns the path to the file storing the binary data.
func (store StagingStore) binPath(id string) string {
	return filepath.Join(store.Path, id)
}

// infoPath returns the path to the .info sidecar.
func (store StagingStore) infoPath(id string) string {
	return filepath.Join(store.Path, id+".info")
}

// isSafeName reports whether name can be used as a single path element
// below the staging directory.
func isSafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

type fileUpload struct {
	// info stores the current information about the upload
	info handler.FileInfo
	// binPath is the path to the binary file (which has no extension)
	binPath string
	// infoPath is the path to the .info sidecar
	infoPath string
}

func (upload *fileUpload) GetInfo(ctx context.Context) (handler.FileInfo, error) {
	return upload.info, nil
}

func (upload *fileUpload) WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error) {
	// The body is strictly append-only. The protocol layer has already
	// checked that offset equals the current size, so O_APPEND keeps the
	// bytes in order even if that check were ever violated.
	file, err := os.OpenFile(upload.binPath, os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(file, src)

	// If the HTTP request is interrupted mid-body (the client paused or the
	// connection dropped), io.Copy reports io.ErrUnexpectedEOF. The bytes
	// that did arrive are kept so the client can resume from the new offset.
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		file.Close()
		return n, err
	}

	// Flush the body before the sidecar records the new offset. The sidecar
	// may underreport after a crash, never overreport.
	if err := file.Sync(); err != nil {
		file.Close()
		return n, err
	}
	if err := file.Close(); err != nil {
		return n, err
	}

	upload.info.Offset += n

	return n, upload.writeInfo()
}

func (upload *fileUpload) MarkDispatched(ctx context.Context) (bool, error) {
	if upload.info.Dispatched {
		return false, nil
	}

	upload.info.Dispatched = true
	if err := upload.writeInfo(); err != nil {
		upload.info.Dispatched = false
		return false, err
	}

	return true, nil
}

func (upload *fileUpload) FinishUpload(ctx context.Context) error {
	return nil
}

func (upload *fileUpload) Terminate(ctx context.Context) error {
	if err := os.Remove(upload.infoPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(upload.binPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeInfo rewrites the sidecar atomically, so readers never observe a
// partially written record.
func (upload *fileUpload) writeInfo() error {
	data, err := json.Marshal(upload.info)
	if err != nil {
		return err
	}
	return renameio.WriteFile(upload.infoPath, data, defaultFilePerm)
}
