package finalizer

import (
	"sort"
	"sync"
	"time"

	"github.com/wedocs/ingestd/pkg/handler"
)

// FailedUpload describes one upload the pipeline could not finalize. The
// staged bytes referenced by StagedPath are kept on disk for inspection,
// StagedPath is empty when the staged artifact no longer exists.
type FailedUpload struct {
	ID            string           `json:"uploadId"`
	StagedPath    string           `json:"stagedPath,omitempty"`
	Meta          handler.Metadata `json:"metadata"`
	LastError     string           `json:"lastError"`
	LastAttemptAt time.Time        `json:"lastAttemptAt"`
}

// FailureRegistry remembers finalization failures for operator inspection
// and manual retry. It lives in memory only: a restart clears it and the
// pending sweep rediscovers whatever is still staged.
type FailureRegistry struct {
	mutex   sync.RWMutex
	entries map[string]FailedUpload
}

// NewFailureRegistry returns an empty registry.
func NewFailureRegistry() *FailureRegistry {
	return &FailureRegistry{
		entries: make(map[string]FailedUpload),
	}
}

// Record upserts the entry under its upload id and stamps the attempt time
// unless the caller set one.
func (r *FailureRegistry) Record(entry FailedUpload) {
	if entry.LastAttemptAt.IsZero() {
		entry.LastAttemptAt = time.Now()
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.entries[entry.ID] = entry
}

// Remove drops the entry for the given id. Removing an unknown id is a
// no-op.
func (r *FailureRegistry) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.entries, id)
}

// Get returns the entry for the given id.
func (r *FailureRegistry) Get(id string) (FailedUpload, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// List returns all entries ordered by upload id, so repeated operator calls
// see a stable order.
func (r *FailureRegistry) List() []FailedUpload {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	list := make([]FailedUpload, 0, len(r.entries))
	for _, entry := range r.entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// Len reports the number of recorded failures.
func (r *FailureRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}
