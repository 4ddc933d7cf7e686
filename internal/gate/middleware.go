// Package gate runs one access evaluation per incoming HTTP request.
package gate

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// KeyFunc extracts the client identifier from a request.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc prefers keyHeader, then the first X-Forwarded-For hop when
// trusted, then the RemoteAddr host.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		return strings.Trim(r.RemoteAddr, "[]")
	}
}

// Stats counts gate outcomes. Safe for concurrent use.
type Stats struct {
	allowed atomic.Int64
	denied  atomic.Int64
	failed  atomic.Int64
}

func (s *Stats) Allowed() int64 { return s.allowed.Load() }
func (s *Stats) Denied() int64  { return s.denied.Load() }
func (s *Stats) Failed() int64  { return s.failed.Load() }

type Options struct {
	Evaluator          domain.RuleEvaluator
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RejectStatus       int
	Stats              *Stats
	Logger             *zap.Logger
}

func (o *Options) setDefaults() {
	if o.RejectStatus == 0 {
		o.RejectStatus = http.StatusForbidden
	}
	if o.KeyFn == nil {
		o.KeyFn = DefaultKeyFunc(o.KeyHeader, o.TrustXForwardedFor)
	}
	if o.Stats == nil {
		o.Stats = &Stats{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// decide evaluates the request and records the outcome.
func (o *Options) decide(r *http.Request) (string, *domain.EvaluationResult, bool) {
	key := o.KeyFn(r)
	result, err := o.Evaluator.Evaluate(r.Context(), key)
	if err != nil {
		o.Stats.failed.Add(1)
		o.Stats.denied.Add(1)
		o.Logger.Warn("evaluation failed, rejecting request",
			zap.String("ip", key),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return key, result, false
	}
	if result.Verdict.Rejects() {
		o.Stats.denied.Add(1)
		return key, result, false
	}
	o.Stats.allowed.Add(1)
	return key, result, true
}

// Middleware rejects requests whose client is denied and passes the rest.
// Evaluation errors reject.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	opts.setDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, result, ok := opts.decide(r)
			if !ok {
				if result != nil {
					w.Header().Set("X-IPGuard-Verdict", result.Verdict.String())
				}
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckResponse is the body returned by CheckHandler.
type CheckResponse struct {
	IP       string   `json:"ip"`
	Verdict  string   `json:"verdict"`
	Allowed  bool     `json:"allowed"`
	Tier     string   `json:"tier"`
	Attempts int      `json:"attempts"`
	Errors   []string `json:"errors,omitempty"`
}

// NewCheckResponse summarizes an evaluation.
func NewCheckResponse(ip string, result *domain.EvaluationResult, allowed bool) CheckResponse {
	resp := CheckResponse{IP: ip, Allowed: allowed, Verdict: "deny", Tier: domain.TierNone.String()}
	if result == nil {
		return resp
	}
	resp.Verdict = result.Verdict.String()
	resp.Tier = result.Tier.String()
	if result.Record != nil {
		resp.Attempts = result.Record.Attempts
	}
	for _, err := range result.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp
}

// CheckHandler answers subrequest-style access checks: 200 when allowed,
// RejectStatus otherwise, with a JSON summary. The client is taken from the
// "ip" query parameter when present.
func CheckHandler(opts Options) http.Handler {
	keyFn := opts.KeyFn
	if keyFn == nil {
		keyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	opts.KeyFn = func(r *http.Request) string {
		if ip := strings.TrimSpace(r.URL.Query().Get("ip")); ip != "" {
			return ip
		}
		return keyFn(r)
	}
	opts.setDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, result, ok := opts.decide(r)
		status := http.StatusOK
		if !ok {
			status = opts.RejectStatus
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(NewCheckResponse(key, result, ok))
	})
}
