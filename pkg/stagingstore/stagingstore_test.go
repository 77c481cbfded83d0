package stagingstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wedocs/ingestd/pkg/handler"
)

// Test interface implementation of StagingStore
var _ handler.DataStore = StagingStore{}
var _ handler.TerminaterDataStore = StagingStore{}

func TestStagingStore(t *testing.T) {
	a := assert.New(t)

	tmp := t.TempDir()
	store := New(tmp)
	ctx := context.Background()

	// Create new upload
	upload, err := store.NewUpload(ctx, handler.FileInfo{
		Size: 42,
		MetaData: map[string]string{
			"hello": "world",
		},
	})
	a.NoError(err)
	a.NotEqual(nil, upload)

	// Check info without writing
	info, err := upload.GetInfo(ctx)
	a.NoError(err)
	a.EqualValues(42, info.Size)
	a.EqualValues(0, info.Offset)
	a.Equal(handler.MetaData{"hello": "world"}, info.MetaData)
	a.Equal(2, len(info.Storage))
	a.Equal("stagingstore", info.Storage["Type"])
	a.Equal(filepath.Join(tmp, info.ID), info.Storage["Path"])

	// Write data to upload
	bytesWritten, err := upload.WriteChunk(ctx, 0, strings.NewReader("hello world"))
	a.NoError(err)
	a.EqualValues(len("hello world"), bytesWritten)

	// Check new offset
	info, err = upload.GetInfo(ctx)
	a.NoError(err)
	a.EqualValues(42, info.Size)
	a.EqualValues(11, info.Offset)

	// Re-open the upload and check the offset derives from the body on disk
	upload, err = store.GetUpload(ctx, info.ID)
	a.NoError(err)

	info, err = upload.GetInfo(ctx)
	a.NoError(err)
	a.EqualValues(11, info.Offset)

	content, err := os.ReadFile(filepath.Join(tmp, info.ID))
	a.NoError(err)
	a.Equal("hello world", string(content))

	// Terminate upload
	a.NoError(store.AsTerminatableUpload(upload).Terminate(ctx))

	// Test if upload is deleted
	upload, err = store.GetUpload(ctx, info.ID)
	a.Equal(nil, upload)
	a.Equal(handler.ErrNotFound, err)
}

func TestMissingPath(t *testing.T) {
	a := assert.New(t)

	store := New("./path-that-does-not-exist")
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, handler.FileInfo{})
	a.Error(err)
	a.Equal("upload directory does not exist: ./path-that-does-not-exist", err.Error())
	a.Equal(nil, upload)
}

func TestGetUploadRejectsUnsafeIDs(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"..", ".", "", "a/b", "a\\b", "../escape"} {
		upload, err := store.GetUpload(ctx, id)
		a.Equal(handler.ErrNotFound, err, "id %q", id)
		a.Equal(nil, upload)
	}
}

func TestWriteChunkResume(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, handler.FileInfo{Size: 10})
	require.NoError(t, err)

	info, err := upload.GetInfo(ctx)
	require.NoError(t, err)

	n, err := upload.WriteChunk(ctx, 0, strings.NewReader("01234"))
	a.NoError(err)
	a.EqualValues(5, n)

	// A fresh handle, as a resumed request would get one.
	upload, err = store.GetUpload(ctx, info.ID)
	require.NoError(t, err)

	n, err = upload.WriteChunk(ctx, 5, strings.NewReader("56789"))
	a.NoError(err)
	a.EqualValues(5, n)

	content, err := os.ReadFile(filepath.Join(store.Path, info.ID))
	a.NoError(err)
	a.Equal("0123456789", string(content))
}

func TestSidecarNeverOverreports(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, handler.FileInfo{Size: 100})
	require.NoError(t, err)

	_, err = upload.WriteChunk(ctx, 0, strings.NewReader("abcdef"))
	require.NoError(t, err)

	info, err := upload.GetInfo(ctx)
	require.NoError(t, err)

	// Simulate a crash where the body kept growing after the last sidecar
	// write: the stat-derived offset must win over the stale sidecar.
	f, err := os.OpenFile(filepath.Join(store.Path, info.ID), os.O_WRONLY|os.O_APPEND, 0664)
	require.NoError(t, err)
	_, err = f.WriteString("ghij")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := store.GetUpload(ctx, info.ID)
	a.NoError(err)

	info, err = reopened.GetInfo(ctx)
	a.NoError(err)
	a.EqualValues(10, info.Offset)
}

func TestMarkDispatchedOnce(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, handler.FileInfo{Size: 3})
	require.NoError(t, err)

	info, err := upload.GetInfo(ctx)
	require.NoError(t, err)

	first, err := upload.MarkDispatched(ctx)
	a.NoError(err)
	a.True(first)

	second, err := upload.MarkDispatched(ctx)
	a.NoError(err)
	a.False(second)

	// The marker must survive a re-open, it is what keeps finalization
	// exactly-once across repeated completion observations.
	reopened, err := store.GetUpload(ctx, info.ID)
	require.NoError(t, err)

	again, err := reopened.MarkDispatched(ctx)
	a.NoError(err)
	a.False(again)
}

func TestListPending(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, handler.FileInfo{Size: 5})
	require.NoError(t, err)
	_, err = upload.WriteChunk(ctx, 0, strings.NewReader("hello"))
	require.NoError(t, err)

	info, err := upload.GetInfo(ctx)
	require.NoError(t, err)

	// Assembled artifacts and sidecars must not show up as pending.
	require.NoError(t, os.WriteFile(filepath.Join(store.Path, AssembledPrefix+"m1"), []byte("xxxxxxxx"), 0664))

	pending, err := store.ListPending()
	a.NoError(err)
	a.Equal(1, len(pending))
	a.Equal(info.ID, pending[0].ID)
	a.Equal(filepath.Join(store.Path, info.ID), pending[0].Path)
	a.EqualValues(5, pending[0].Size)
}

func TestRemoveIsIdempotent(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, handler.FileInfo{Size: 1})
	require.NoError(t, err)

	info, err := upload.GetInfo(ctx)
	require.NoError(t, err)

	a.NoError(store.Remove(info.ID))
	a.NoError(store.Remove(info.ID))
	a.NoError(store.Remove("never-existed"))
}

func TestAssembleParts(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())

	paths := make([]string, 3)
	for i, content := range []string{"abc", "def", "ghi"} {
		paths[i] = filepath.Join(store.Path, "part-"+content)
		require.NoError(t, os.WriteFile(paths[i], []byte(content), 0664))
	}

	dst, size, err := store.AssembleParts("m-42", paths)
	a.NoError(err)
	a.EqualValues(9, size)
	a.Equal(filepath.Join(store.Path, AssembledPrefix+"m-42"), dst)

	content, err := os.ReadFile(dst)
	a.NoError(err)
	a.Equal("abcdefghi", string(content))
}

func TestAssemblePartsMissingPart(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())

	present := filepath.Join(store.Path, "part-0")
	require.NoError(t, os.WriteFile(present, []byte("abc"), 0664))
	missing := filepath.Join(store.Path, "part-1")

	_, _, err := store.AssembleParts("m-43", []string{present, missing})
	a.Error(err)
	a.True(errors.Is(err, os.ErrNotExist))

	// No partial artifact may be left behind.
	_, statErr := os.Stat(filepath.Join(store.Path, AssembledPrefix+"m-43"))
	a.True(os.IsNotExist(statErr))
}

func TestAssemblePartsRejectsUnsafeID(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())

	_, _, err := store.AssembleParts("../escape", nil)
	a.Error(err)

	_, _, err = store.AssembleParts("a/b", nil)
	a.Error(err)
}

func TestRemovePathOutsideStagingDir(t *testing.T) {
	a := assert.New(t)

	store := New(t.TempDir())

	outside := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0664))

	a.Error(store.RemovePath(outside))

	_, err := os.Stat(outside)
	a.NoError(err)
}
