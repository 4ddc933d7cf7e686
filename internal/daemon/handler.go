package daemon

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/eliteGoblin/focusd/ipguard/internal/gate"
)

// NewHandler builds the gate routes:
//
//	/healthz    liveness, never evaluated
//	/v1/check   access check for subrequests, ?ip= overrides the client
//	/           every other path is gated, then proxied to upstream or
//	            answered with 204 when no upstream is set
func NewHandler(opts gate.Options, upstream string) (http.Handler, error) {
	next := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if upstream != "" {
		target, err := url.Parse(upstream)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream %q", upstream)
		}
		next = httputil.NewSingleHostReverseProxy(target)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/v1/check", gate.CheckHandler(opts))
	mux.Handle("/", gate.Middleware(opts)(next))
	return mux, nil
}
