package handler

import (
	"net/http"
	"strings"
)

// Handler is a ready to use handler with routing
type Handler struct {
	*UnroutedHandler
	http.Handler
}

// NewHandler creates a routed upload protocol handler. This is the simplest
// way to mount the endpoint but may not be as configurable as you require.
// If you are integrating this into an existing app you may like to use
// NewUnroutedHandler instead, which allows the handlers to be combined into
// your existing router (aka mux) directly.
func NewHandler(config Config) (*Handler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	handler, err := NewUnroutedHandler(config)
	if err != nil {
		return nil, err
	}

	routedHandler := &Handler{
		UnroutedHandler: handler,
	}

	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		path := strings.Trim(r.URL.Path, "/")

		switch path {
		case "":
			// Root endpoint for upload creation
			switch method {
			case "POST":
				handler.PostFile(w, r)
			default:
				w.Header().Add("Allow", "POST")
				w.WriteHeader(http.StatusMethodNotAllowed)
				w.Write([]byte(`method not allowed`))
			}
		default:
			// URL points to an upload resource
			switch {
			case method == "HEAD" && r.URL.Path != "":
				// Offset retrieval
				handler.HeadFile(w, r)
			case method == "PATCH" && r.URL.Path != "":
				// Upload appending
				handler.PatchFile(w, r)
			case method == "DELETE" && r.URL.Path != "" && config.StoreComposer.UsesTerminater && !config.DisableTermination:
				// Upload termination
				handler.DelFile(w, r)
			default:
				w.Header().Add("Allow", "HEAD, PATCH, DELETE")
				w.WriteHeader(http.StatusMethodNotAllowed)
				w.Write([]byte(`method not allowed`))
			}
		}
	})

	routedHandler.Handler = handler.Middleware(mux)

	return routedHandler, nil
}
