package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"

	"github.com/gorilla/mux"
)

// withPprof serves the runtime profiles under /debug/pprof/ next to api,
// behind the same bearer token. Everything else falls through to api.
func withPprof(api http.Handler, token string) http.Handler {
	r := mux.NewRouter()
	dbg := r.PathPrefix("/debug/pprof/").Subrouter()
	dbg.Use(mux.MiddlewareFunc(bearerAuth(token)))
	dbg.HandleFunc("/cmdline", hpprof.Cmdline)
	dbg.HandleFunc("/profile", hpprof.Profile)
	dbg.HandleFunc("/symbol", hpprof.Symbol)
	dbg.HandleFunc("/trace", hpprof.Trace)
	dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	r.PathPrefix("/").Handler(api)
	return r
}
