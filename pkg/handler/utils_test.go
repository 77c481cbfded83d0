package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wedocs/ingestd/pkg/handler"
)

// newTestHandler builds a routed handler around the given store. The store is
// wired as core and terminater, everything else comes from config. Tests that
// need a different composer construct the handler themselves.
func newTestHandler(t *testing.T, store *fakeStore, config handler.Config) *handler.Handler {
	t.Helper()

	if config.StoreComposer == nil {
		composer := handler.NewStoreComposer()
		composer.UseCore(store)
		composer.UseTerminater(store)
		config.StoreComposer = composer
	}
	if config.Logger == nil {
		nop := zerolog.Nop()
		config.Logger = &nop
	}

	h, err := handler.NewHandler(config)
	require.NoError(t, err)

	return h
}

type httpTest struct {
	Name string

	Method string
	URL    string

	ReqBody   io.Reader
	ReqHeader map[string]string

	Code      int
	ResBody   string
	ResHeader map[string]string
}

func (test *httpTest) Run(handler http.Handler, t *testing.T) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(test.Method, test.URL, test.ReqBody)
	req.RequestURI = test.URL

	// Add headers
	for key, value := range test.ReqHeader {
		req.Header.Set(key, value)
	}

	req.Host = "wedocs.io"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != test.Code {
		t.Errorf("Expected %v %s as status code (got %v %s)", test.Code, http.StatusText(test.Code), w.Code, http.StatusText(w.Code))
	}

	for key, value := range test.ResHeader {
		header := w.Header().Get(key)

		if value != header {
			t.Errorf("Expected '%s' as '%s' (got '%s')", value, key, header)
		}
	}

	if test.ResBody != "" && w.Body.String() != test.ResBody {
		t.Errorf("Expected '%s' as body (got '%s')", test.ResBody, w.Body.String())
	}

	return w
}

// fakeStore is an in-memory data store which records all interactions, so
// tests can assert what the handler asked it to do. It hands out IDs from
// nextID, which defaults to "foo".
type fakeStore struct {
	mutex   sync.Mutex
	uploads map[string]*fakeUpload

	nextID       string
	newUploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads: make(map[string]*fakeUpload),
		nextID:  "foo",
	}
}

func (store *fakeStore) NewUpload(ctx context.Context, info handler.FileInfo) (handler.Upload, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.newUploadErr != nil {
		return nil, store.newUploadErr
	}

	info.ID = store.nextID
	info.Storage = map[string]string{
		"Type": "fakestore",
		"Path": "/staged/" + info.ID,
	}

	upload := &fakeUpload{store: store, info: info}
	store.uploads[info.ID] = upload

	return upload, nil
}

func (store *fakeStore) GetUpload(ctx context.Context, id string) (handler.Upload, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	upload, ok := store.uploads[id]
	if !ok {
		return nil, handler.ErrNotFound
	}

	return upload, nil
}

func (store *fakeStore) AsTerminatableUpload(upload handler.Upload) handler.TerminatableUpload {
	return upload.(*fakeUpload)
}

// seed registers an upload as if it had been created by an earlier request.
func (store *fakeStore) seed(id string, info handler.FileInfo) *fakeUpload {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	info.ID = id
	if info.Storage == nil {
		info.Storage = map[string]string{
			"Type": "fakestore",
			"Path": "/staged/" + id,
		}
	}

	upload := &fakeUpload{store: store, info: info}
	store.uploads[id] = upload

	return upload
}

func (store *fakeStore) upload(id string) *fakeUpload {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.uploads[id]
}

type fakeUpload struct {
	store *fakeStore

	info       handler.FileInfo
	written    []byte
	finished   bool
	terminated bool
}

func (upload *fakeUpload) GetInfo(ctx context.Context) (handler.FileInfo, error) {
	return upload.info, nil
}

// WriteChunk drains src completely. The handler's body reader never surfaces
// read errors to the store, so a clean EOF is all this has to handle.
func (upload *fakeUpload) WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return int64(len(data)), err
	}

	upload.written = append(upload.written, data...)
	upload.info.Offset = offset + int64(len(data))

	return int64(len(data)), nil
}

func (upload *fakeUpload) FinishUpload(ctx context.Context) error {
	upload.finished = true
	return nil
}

func (upload *fakeUpload) MarkDispatched(ctx context.Context) (bool, error) {
	if upload.info.Dispatched {
		return false, nil
	}

	upload.info.Dispatched = true
	return true, nil
}

func (upload *fakeUpload) Terminate(ctx context.Context) error {
	upload.store.mutex.Lock()
	defer upload.store.mutex.Unlock()

	delete(upload.store.uploads, upload.info.ID)
	upload.terminated = true

	return nil
}
