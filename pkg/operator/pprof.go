package operator

import (
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"

	"github.com/bmizerany/pat"
	"github.com/felixge/fgprof"
	"github.com/goji/httpauth"
	"github.com/pkg/errors"
)

// SetupPprof mounts the profiling handlers on mux under path (which must end
// in a slash, e.g. /debug/pprof/). auth is "user:password" for HTTP basic
// auth, empty mounts the handlers unprotected. The rates are handed to
// runtime.SetBlockProfileRate and runtime.SetMutexProfileFraction.
func SetupPprof(mux *http.ServeMux, path, auth string, blockProfileRate, mutexProfileRate int) error {
	runtime.SetBlockProfileRate(blockProfileRate)
	runtime.SetMutexProfileFraction(mutexProfileRate)

	sub := pat.New()
	sub.Get("", http.HandlerFunc(pprof.Index))
	sub.Get("cmdline", http.HandlerFunc(pprof.Cmdline))
	sub.Get("profile", http.HandlerFunc(pprof.Profile))
	sub.Get("symbol", http.HandlerFunc(pprof.Symbol))
	sub.Get("trace", http.HandlerFunc(pprof.Trace))
	sub.Get("fgprof", fgprof.Handler())

	var handler http.Handler = sub
	if auth != "" {
		parts := strings.SplitN(auth, ":", 2)
		if len(parts) != 2 {
			return errors.New("operator: pprof auth must be two values separated by a colon")
		}
		handler = httpauth.SimpleBasicAuth(parts[0], parts[1])(sub)
	}

	mux.Handle(path, http.StripPrefix(path, handler))
	return nil
}
