package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/gate"
)

// fixedEvaluator implements domain.RuleEvaluator for testing
type fixedEvaluator struct {
	denied map[string]bool
}

func (f *fixedEvaluator) Evaluate(ctx context.Context, ip string) (*domain.EvaluationResult, error) {
	if f.denied[ip] {
		return &domain.EvaluationResult{Identifier: ip, Verdict: domain.Verdict{Found: true, Type: domain.RuleDeny}}, nil
	}
	return &domain.EvaluationResult{Identifier: ip}, nil
}

// TestDefaultServerConfig verifies default server configuration
func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()

	assert.Equal(t, ":8080", config.Addr)
	assert.Equal(t, time.Minute, config.StatusInterval)
	assert.NotZero(t, config.ShutdownTimeout)
}

func TestNewHandler_Routes(t *testing.T) {
	opts := gate.Options{Evaluator: &fixedEvaluator{denied: map[string]bool{"203.0.113.7": true}}}
	h, err := NewHandler(opts, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		remote string
		want   int
	}{
		{"health skips gate", "/healthz", "203.0.113.7:1", http.StatusOK},
		{"allowed client", "/anything", "192.0.2.1:1", http.StatusNoContent},
		{"denied client", "/anything", "203.0.113.7:1", http.StatusForbidden},
		{"check by query", "/v1/check?ip=203.0.113.7", "192.0.2.1:1", http.StatusForbidden},
		{"check allowed", "/v1/check?ip=192.0.2.9", "203.0.113.7:1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://gate"+tt.target, nil)
			r.RemoteAddr = tt.remote
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestNewHandler_ProxiesToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "from upstream")
	}))
	defer upstream.Close()

	h, err := NewHandler(gate.Options{Evaluator: &fixedEvaluator{}}, upstream.URL)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gate/page", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from upstream", w.Body.String())
}

func TestNewHandler_InvalidUpstream(t *testing.T) {
	_, err := NewHandler(gate.Options{Evaluator: &fixedEvaluator{}}, "not a url")
	assert.Error(t, err)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	h, err := NewHandler(gate.Options{Evaluator: &fixedEvaluator{}}, "")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	stats := &gate.Stats{}
	srv := NewServer(ServerConfig{StatusInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second}, h, stats, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ln.Addr().String(), srv.Addr())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
