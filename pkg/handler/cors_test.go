package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wedocs/ingestd/pkg/handler"
)

func TestCORS(t *testing.T) {
	t.Run("Preflight", func(t *testing.T) {
		store := newFakeStore()
		h := newTestHandler(t, store, handler.Config{
			BasePath: "/files/",
		})

		(&httpTest{
			Method: "OPTIONS",
			ReqHeader: map[string]string{
				"Origin": "wedocs.io",
			},
			Code: http.StatusOK,
			ResHeader: map[string]string{
				"Access-Control-Allow-Headers": "Origin, X-Requested-With, X-Request-ID, X-HTTP-Method-Override, Content-Type, Upload-Length, Upload-Offset, Tus-Resumable, Upload-Metadata",
				"Access-Control-Allow-Methods": "POST, HEAD, PATCH, DELETE, OPTIONS",
				"Access-Control-Max-Age":       "86400",
				"Access-Control-Allow-Origin":  "wedocs.io",
			},
		}).Run(h, t)
	})

	t.Run("Request", func(t *testing.T) {
		store := newFakeStore()
		h := newTestHandler(t, store, handler.Config{
			BasePath: "/files/",
		})

		(&httpTest{
			Name:   "Actual request",
			Method: "GET",
			ReqHeader: map[string]string{
				"Origin": "wedocs.io",
			},
			Code: http.StatusMethodNotAllowed,
			ResHeader: map[string]string{
				"Access-Control-Expose-Headers": "Upload-Offset, Location, Upload-Length, Tus-Version, Tus-Resumable, Tus-Max-Size, Tus-Extension, Upload-Metadata",
				"Access-Control-Allow-Origin":   "wedocs.io",
			},
		}).Run(h, t)
	})

	t.Run("OverridesPresetHeaders", func(t *testing.T) {
		store := newFakeStore()
		h := newTestHandler(t, store, handler.Config{
			BasePath: "/files/",
		})

		req, _ := http.NewRequest("OPTIONS", "", nil)
		req.Header.Set("Tus-Resumable", "1.0.0")
		req.Header.Set("Origin", "wedocs.io")
		req.Host = "wedocs.io"

		res := httptest.NewRecorder()
		res.Header().Set("Access-Control-Allow-Methods", "METHOD")
		h.ServeHTTP(res, req)

		methods := res.Header()["Access-Control-Allow-Methods"]
		if len(methods) != 1 || methods[0] != "POST, HEAD, PATCH, DELETE, OPTIONS" {
			t.Errorf("expected preset method header to be replaced but got: %#v", methods)
		}
	})
}
