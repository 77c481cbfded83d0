package finalizer

import (
	"sort"
	"sync"
	"time"

	"github.com/wedocs/ingestd/pkg/handler"
)

// assembly tracks the parts of one client-side split upload until the set is
// complete. It lives in memory only: a restart loses the grouping and the
// staged parts surface again through the pending sweep.
type assembly struct {
	totalParts  int
	filename    string
	meta        handler.Metadata
	parts       map[int]string
	firstSeenAt time.Time
}

// partPaths returns the recorded part paths ordered by part index.
func (a *assembly) partPaths() []string {
	indexes := make([]int, 0, len(a.parts))
	for index := range a.parts {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	paths := make([]string, 0, len(indexes))
	for _, index := range indexes {
		paths = append(paths, a.parts[index])
	}
	return paths
}

// assembler groups finished parts by multipart id. One mutex guards the map.
// Membership and completeness decisions happen under the lock, every file
// and remote operation they imply happens outside it, driven by the returned
// outcome values.
type assembler struct {
	mutex      sync.Mutex
	assemblies map[string]*assembly

	// now is the clock used for staleness. Tests substitute it.
	now func() time.Time
}

func newAssembler() *assembler {
	return &assembler{
		assemblies: make(map[string]*assembly),
		now:        time.Now,
	}
}

// partOutcome tells the caller what a recorded part implied. At most one of
// conflict and complete is set.
type partOutcome struct {
	// replacedPath is the staged body of an earlier duplicate of this part
	// index, superseded now and due for deletion.
	replacedPath string

	// conflict reports that the part disagreed with the assembly's canonical
	// totalParts or filename. The assembly entry is gone and dropPaths holds
	// every staged part to delete, the conflicting one included.
	conflict  bool
	dropPaths []string

	// complete reports that this part finished the set. The entry is gone
	// from the map and parts holds the staged paths in part-index order.
	complete bool
	parts    []string
	meta     handler.Metadata
}

// recordPart adds one finished part to its assembly, creating the assembly
// on first contact. The first part fixes totalParts and the canonical
// filename and metadata.
func (a *assembler) recordPart(desc handler.UploadDescriptor) partOutcome {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	multipartID := desc.Meta.MultipartID

	current, ok := a.assemblies[multipartID]
	if !ok {
		current = &assembly{
			totalParts:  desc.Meta.TotalParts,
			filename:    desc.Meta.Filename,
			meta:        desc.Meta,
			parts:       make(map[int]string),
			firstSeenAt: a.now(),
		}
		a.assemblies[multipartID] = current
	}

	if desc.Meta.TotalParts != current.totalParts || desc.Meta.Filename != current.filename {
		drop := current.partPaths()
		drop = append(drop, desc.StagedPath)
		delete(a.assemblies, multipartID)
		return partOutcome{conflict: true, dropPaths: drop}
	}

	var replaced string
	if previous, dup := current.parts[desc.Meta.PartIndex]; dup && previous != desc.StagedPath {
		replaced = previous
	}
	current.parts[desc.Meta.PartIndex] = desc.StagedPath

	if len(current.parts) == current.totalParts {
		delete(a.assemblies, multipartID)
		return partOutcome{
			replacedPath: replaced,
			complete:     true,
			parts:        current.partPaths(),
			meta:         current.meta,
		}
	}

	return partOutcome{replacedPath: replaced}
}

// staleAssembly is one incomplete assembly evicted by the reaper.
type staleAssembly struct {
	multipartID string
	meta        handler.Metadata
	paths       []string
}

// evictStale removes every assembly whose first part arrived before the
// staleness cutoff and returns what was dropped. Entries still in the map
// are incomplete by construction, complete sets leave it the moment the
// final part is recorded.
func (a *assembler) evictStale(staleAfter time.Duration) []staleAssembly {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	cutoff := a.now().Add(-staleAfter)

	var evicted []staleAssembly
	for multipartID, current := range a.assemblies {
		if current.firstSeenAt.After(cutoff) {
			continue
		}
		evicted = append(evicted, staleAssembly{
			multipartID: multipartID,
			meta:        current.meta,
			paths:       current.partPaths(),
		})
		delete(a.assemblies, multipartID)
	}

	sort.Slice(evicted, func(i, j int) bool {
		return evicted[i].multipartID < evicted[j].multipartID
	})
	return evicted
}

// len reports the number of open assemblies.
func (a *assembler) len() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.assemblies)
}
