package finalizer

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wedocs/ingestd/pkg/handler"
)

func TestAssemblyOutOfOrder(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, remote, registry := newTestFinalizer(t, Config{})

	// Parts arrive in the order 2, 0, 1 and must still concatenate by index.
	p2 := stageUpload(t, store, multipartMeta("batch-1", 2, 3, "movie.bin"), "CC")
	p0 := stageUpload(t, store, multipartMeta("batch-1", 0, 3, "movie.bin"), "AAA")
	p1 := stageUpload(t, store, multipartMeta("batch-1", 1, 3, "movie.bin"), "BBB")

	fin.finalize(ctx, p2)
	fin.finalize(ctx, p0)
	a.Zero(remote.len(), "incomplete assembly must not upload")
	a.Equal(1, fin.asm.len())

	fin.finalize(ctx, p1)

	key := "users/default-user/uploads/batch-1/raw/movie.bin"
	obj, ok := remote.object(key)
	require.True(t, ok)
	a.Equal("AAABBBCC", string(obj.content))
	a.Equal("batch-1", obj.opts.UserMetadata["multipart-id"])
	a.Equal("3", obj.opts.UserMetadata["total-parts"])
	a.Equal("movie.bin", obj.opts.UserMetadata["original-filename"])

	// Parts, sidecars and the assembled artifact are all gone.
	for _, desc := range []handler.UploadDescriptor{p0, p1, p2} {
		assertStagedGone(t, desc)
	}
	entries, err := os.ReadDir(store.Path)
	require.NoError(t, err)
	a.Empty(entries)

	a.Zero(fin.asm.len())
	a.Zero(registry.Len())
	a.EqualValues(1, atomic.LoadUint64(fin.Metrics.AssembliesCompleted))
	a.EqualValues(1, atomic.LoadUint64(fin.Metrics.UploadsFinalized))
	a.EqualValues(8, atomic.LoadUint64(fin.Metrics.BytesFinalized))
}

func TestAssemblyDuplicatePartLastWins(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, remote, _ := newTestFinalizer(t, Config{})

	first := stageUpload(t, store, multipartMeta("dup", 0, 2, "d.bin"), "OLD!")
	fin.finalize(ctx, first)

	second := stageUpload(t, store, multipartMeta("dup", 0, 2, "d.bin"), "NEW!")
	fin.finalize(ctx, second)

	// The superseded part's staged files are deleted at replacement time.
	assertStagedGone(t, first)
	a.Equal(1, fin.asm.len())

	last := stageUpload(t, store, multipartMeta("dup", 1, 2, "d.bin"), "Z")
	fin.finalize(ctx, last)

	obj, ok := remote.object("users/default-user/uploads/dup/raw/d.bin")
	require.True(t, ok)
	a.Equal("NEW!Z", string(obj.content))
}

func TestAssemblyMetadataConflict(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, remote, registry := newTestFinalizer(t, Config{})

	p0 := stageUpload(t, store, multipartMeta("conf", 0, 3, "f.bin"), "AA")
	fin.finalize(ctx, p0)

	// Disagrees on totalParts: the whole assembly is dropped.
	bad := stageUpload(t, store, multipartMeta("conf", 1, 4, "f.bin"), "BB")
	fin.finalize(ctx, bad)

	a.Zero(remote.len())
	a.Zero(fin.asm.len())
	assertStagedGone(t, p0)
	assertStagedGone(t, bad)

	entry, ok := registry.Get("conf")
	require.True(t, ok)
	a.Contains(entry.LastError, "disagrees")
	a.EqualValues(1, atomic.LoadUint64(fin.Metrics.AssembliesDropped))
}

func TestAssemblyFilenameConflict(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, _, registry := newTestFinalizer(t, Config{})

	p0 := stageUpload(t, store, multipartMeta("conf2", 0, 2, "one.bin"), "AA")
	fin.finalize(ctx, p0)

	bad := stageUpload(t, store, multipartMeta("conf2", 1, 2, "two.bin"), "BB")
	fin.finalize(ctx, bad)

	assertStagedGone(t, p0)
	assertStagedGone(t, bad)
	_, ok := registry.Get("conf2")
	a.True(ok)
}

func TestAssemblyMissingPartOnAssemble(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, remote, registry := newTestFinalizer(t, Config{})

	p0 := stageUpload(t, store, multipartMeta("gone", 0, 2, "g.bin"), "AA")
	fin.finalize(ctx, p0)

	// The recorded part vanishes before the set completes.
	require.NoError(t, os.Remove(p0.StagedPath))

	p1 := stageUpload(t, store, multipartMeta("gone", 1, 2, "g.bin"), "BB")
	fin.finalize(ctx, p1)

	a.Zero(remote.len())
	a.Zero(fin.asm.len())
	assertStagedGone(t, p1)

	entry, ok := registry.Get("gone")
	require.True(t, ok)
	a.Contains(entry.LastError, "opening part")
	a.EqualValues(1, atomic.LoadUint64(fin.Metrics.AssembliesDropped))

	entries, err := os.ReadDir(store.Path)
	require.NoError(t, err)
	a.Empty(entries, "no assembled artifact may be left behind")
}

func TestAssemblyUploadFailureKeepsParts(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, remote, registry := newTestFinalizer(t, Config{})

	remote.setPutErr("users/default-user/uploads/keep/raw/k.bin", assert.AnError)

	p0 := stageUpload(t, store, multipartMeta("keep", 0, 2, "k.bin"), "AA")
	p1 := stageUpload(t, store, multipartMeta("keep", 1, 2, "k.bin"), "BB")
	fin.finalize(ctx, p0)
	fin.finalize(ctx, p1)

	// Part bodies survive for recovery, only the assembled artifact is gone.
	assertStagedKept(t, p0)
	assertStagedKept(t, p1)
	_, err := os.Stat(store.Path + "/assembled-keep")
	a.True(os.IsNotExist(err))

	entry, ok := registry.Get("keep")
	require.True(t, ok)
	a.Empty(entry.StagedPath)
	a.Zero(remote.len())
}

func TestRecordPartOutcomes(t *testing.T) {
	a := assert.New(t)
	asm := newAssembler()

	descFor := func(index int, path string) handler.UploadDescriptor {
		return handler.UploadDescriptor{
			ID:         path,
			StagedPath: path,
			Meta: handler.Metadata{
				MultipartID: "m",
				PartIndex:   index,
				TotalParts:  3,
				Filename:    "f",
			},
		}
	}

	out := asm.recordPart(descFor(5, "/s/p5"))
	a.False(out.complete)
	a.False(out.conflict)
	a.Empty(out.replacedPath)

	// Recording the same part twice with the same path is not a replacement.
	out = asm.recordPart(descFor(5, "/s/p5"))
	a.Empty(out.replacedPath)

	out = asm.recordPart(descFor(9, "/s/p9"))
	a.False(out.complete)

	// Indexes need not be contiguous or zero-based, order is numeric.
	out = asm.recordPart(descFor(3, "/s/p3"))
	require.True(t, out.complete)
	a.Equal([]string{"/s/p3", "/s/p5", "/s/p9"}, out.parts)
	a.Equal("f", out.meta.Filename)
	a.Zero(asm.len())
}

func TestReaperEvictsStaleAssemblies(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	fin, store, _, registry := newTestFinalizer(t, Config{StaleAfter: time.Hour})

	current := time.Now()
	fin.asm.now = func() time.Time { return current }

	old := stageUpload(t, store, multipartMeta("old", 0, 2, "o.bin"), "AA")
	fin.finalize(ctx, old)

	current = current.Add(2 * time.Hour)

	fresh := stageUpload(t, store, multipartMeta("fresh", 0, 2, "f.bin"), "BB")
	fin.finalize(ctx, fresh)

	fin.reapStale()

	// The stale assembly is evicted with its staged parts deleted, the
	// fresh one is untouched.
	assertStagedGone(t, old)
	assertStagedKept(t, fresh)
	a.Equal(1, fin.asm.len())

	entry, ok := registry.Get("old")
	require.True(t, ok)
	a.Contains(entry.LastError, "incomplete")
	_, ok = registry.Get("fresh")
	a.False(ok)
	a.EqualValues(1, atomic.LoadUint64(fin.Metrics.StaleAssembliesReaped))

	// A second sweep finds nothing new.
	fin.reapStale()
	a.EqualValues(1, atomic.LoadUint64(fin.Metrics.StaleAssembliesReaped))
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	fin, _, _, _ := newTestFinalizer(t, Config{ReapInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fin.RunReaper(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}
