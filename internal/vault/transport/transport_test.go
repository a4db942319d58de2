package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.Address = srv.URL
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Kind
	}{
		{200, Success},
		{204, Success},
		{301, ServerError},
		{307, ServerError},
		{400, ServerError},
		{401, Forbidden},
		{403, Forbidden},
		{404, NotFound},
		{429, Throttled},
		{500, ServerError},
		{502, Throttled},
		{503, ServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.status), "status %d", tt.status)
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "transport_failure", TransportFailure.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}

func TestClient_Do_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/app", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("version"))
		assert.Equal(t, "s.token", r.Header.Get("X-Vault-Token"))
		assert.Equal(t, "team-a", r.Header.Get("X-Vault-Namespace"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lease_id":"","lease_duration":0,"data":{"data":{"foo":"A","n":7}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{Namespace: "team-a"})
	out := c.Do(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "secret/data/app",
		Query:  url.Values{"version": []string{"3"}},
		Token:  "s.token",
	})

	require.True(t, out.OK())
	assert.Equal(t, 200, out.Status)
	assert.NoError(t, out.Err)
	data, ok := out.Document["data"].(map[string]interface{})
	require.True(t, ok)
	inner := data["data"].(map[string]interface{})
	assert.Equal(t, "A", inner["foo"])
	assert.Equal(t, json.Number("7"), inner["n"])
}

func TestClient_Do_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.Header.Get("X-Vault-Token"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lease-1", body["lease_id"])
		assert.Equal(t, float64(60), body["increment"])
		_, _ = w.Write([]byte(`{"lease_id":"lease-1","lease_duration":60,"renewable":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{})
	out := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/sys/leases/renew",
		Body:   map[string]interface{}{"lease_id": "lease-1", "increment": 60},
	})
	require.True(t, out.OK())
	assert.Equal(t, "lease-1", out.Document["lease_id"])
}

func TestClient_Do_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out := newTestClient(t, srv, Config{}).Do(context.Background(), &Request{Method: http.MethodGet, Path: "sys/health"})
	require.True(t, out.OK())
	assert.Empty(t, out.Document)
}

func TestClient_Do_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"not found", http.StatusNotFound, NotFound},
		{"forbidden", http.StatusForbidden, Forbidden},
		{"unauthorized", http.StatusUnauthorized, Forbidden},
		{"throttled", http.StatusTooManyRequests, Throttled},
		{"bad gateway", http.StatusBadGateway, Throttled},
		{"internal", http.StatusInternalServerError, ServerError},
		{"sealed", http.StatusServiceUnavailable, ServerError},
		{"bad request", http.StatusBadRequest, ServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errors":["nope"]}`))
			}))
			defer srv.Close()

			out := newTestClient(t, srv, Config{}).Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/x"})
			assert.Equal(t, tt.want, out.Kind)
			assert.Equal(t, tt.status, out.Status)
			assert.False(t, out.Redirect)
			assert.Nil(t, out.Document)
			if tt.want == NotFound {
				assert.NoError(t, out.Err)
			} else {
				assert.Error(t, out.Err)
			}
		})
	}
}

func TestClient_Do_RedirectNotFollowed(t *testing.T) {
	var followed atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/active/secret", func(w http.ResponseWriter, _ *http.Request) {
		followed.Add(1)
		_, _ = w.Write([]byte(`{"data":{"k":"v"}}`))
	})
	mux.HandleFunc("/v1/secret", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/v1/active/secret", http.StatusTemporaryRedirect)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := newTestClient(t, srv, Config{}).Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret"})

	assert.Equal(t, ServerError, out.Kind)
	assert.True(t, out.Redirect)
	assert.Equal(t, http.StatusTemporaryRedirect, out.Status)
	assert.Error(t, out.Err)
	assert.Zero(t, followed.Load())
}

func TestClient_Do_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, Config{Timeout: 50 * time.Millisecond})
	start := time.Now()
	out := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/slow"})

	assert.Equal(t, TransportFailure, out.Kind)
	assert.Error(t, out.Err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_Do_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(Config{Address: addr, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	out := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/x"})
	assert.Equal(t, TransportFailure, out.Kind)
	assert.Error(t, out.Err)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	c := newTestClient(t, srv, Config{BreakerThreshold: 2, BreakerTimeout: time.Hour}, WithMetrics(metrics))

	for i := 0; i < 2; i++ {
		out := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/x"})
		assert.Equal(t, ServerError, out.Kind)
	}

	out := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/x"})
	assert.Equal(t, TransportFailure, out.Kind)
	assert.ErrorIs(t, out.Err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.breakerGauge))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("GET", "server_error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("GET", "transport_failure")))

	families, err := reg.Gather()
	require.NoError(t, err)
	hist := findFamily(families, "test_vault_request_duration_seconds")
	require.NotNil(t, hist)
	require.Len(t, hist.GetMetric(), 1)
	assert.Equal(t, uint64(3), hist.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, "GET", hist.GetMetric()[0].GetLabel()[0].GetValue())
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestClient_BreakerIgnoresClientOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{BreakerThreshold: 1, BreakerTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		out := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/missing"})
		assert.Equal(t, NotFound, out.Kind)
	}
}

func TestClient_RateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{RateLimit: 1000, Burst: 5})
	for i := 0; i < 5; i++ {
		assert.True(t, c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "secret/x"}).OK())
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestConfig_GetTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultTimeout, Config{}.GetTimeout())
	assert.Equal(t, time.Second, Config{Timeout: time.Second}.GetTimeout())
}

func TestNew_InvalidTLS(t *testing.T) {
	_, err := New(Config{Address: "https://127.0.0.1:8200", TLS: &TLSConfig{CACert: "/does/not/exist.pem"}})
	assert.Error(t, err)
}

func TestOutcome_OK(t *testing.T) {
	t.Parallel()

	var nilOutcome *Outcome
	assert.False(t, nilOutcome.OK())
	assert.False(t, (&Outcome{Kind: NotFound}).OK())
	assert.True(t, (&Outcome{Kind: Success}).OK())
}
