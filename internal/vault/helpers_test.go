package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/leasecache/internal/retry"
	"github.com/vyrodovalexey/leasecache/internal/vault/auth"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

const testToken = "s.test-token"

// fakeVault is a minimal Vault HTTP API keyed by request path without /v1.
type fakeVault struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	responses map[string]map[string]interface{}
	statuses  map[string][]int
	gets      map[string]int
	renews    []map[string]interface{}
	renewResp map[string]interface{}
	renewCode int
	block     chan struct{}
	tokens    []string
}

func newFakeVault(t *testing.T) *fakeVault {
	t.Helper()
	fv := &fakeVault{
		t:         t,
		responses: make(map[string]map[string]interface{}),
		statuses:  make(map[string][]int),
		gets:      make(map[string]int),
	}
	fv.srv = httptest.NewServer(http.HandlerFunc(fv.serveHTTP))
	t.Cleanup(fv.srv.Close)
	return fv
}

func (f *fakeVault) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	f.mu.Lock()
	f.tokens = append(f.tokens, r.Header.Get("X-Vault-Token"))
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodPost && path == "sys/leases/renew" {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.renews = append(f.renews, body)
		if f.renewCode != 0 && f.renewCode != http.StatusOK {
			w.WriteHeader(f.renewCode)
			_, _ = w.Write([]byte(`{"errors":["renew failed"]}`))
			return
		}
		writeJSON(w, http.StatusOK, f.renewResp)
		return
	}

	f.gets[path]++
	if queue := f.statuses[path]; len(queue) > 0 {
		code := queue[0]
		f.statuses[path] = queue[1:]
		if code != http.StatusOK {
			writeJSON(w, code, map[string]interface{}{"errors": []string{"injected"}})
			return
		}
	}

	resp, ok := f.responses[path]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// set installs the response for path.
func (f *fakeVault) set(path string, resp map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = resp
}

func (f *fakeVault) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.responses, path)
}

// failNext makes the next reads of path answer with the given statuses.
func (f *fakeVault) failNext(path string, codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[path] = append(f.statuses[path], codes...)
}

func (f *fakeVault) setRenew(code int, resp map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCode = code
	f.renewResp = resp
}

func (f *fakeVault) getCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[path]
}

// requestCount returns how many requests have arrived, held or not.
func (f *fakeVault) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeVault) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renews)
}

func (f *fakeVault) lastRenew() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.renews) == 0 {
		return nil
	}
	return f.renews[len(f.renews)-1]
}

// hold makes every request wait until the returned release function runs.
func (f *fakeVault) hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.block = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

func leasedSecret(leaseID string, seconds int, renewable bool, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"lease_id":       leaseID,
		"lease_duration": seconds,
		"renewable":      renewable,
		"data":           data,
	}
}

func kv2Secret(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"lease_id":       "",
		"lease_duration": 0,
		"renewable":      false,
		"data": map[string]interface{}{
			"data":     data,
			"metadata": map[string]interface{}{"version": 1},
		},
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDoer(t *testing.T, fv *fakeVault) *transport.Client {
	t.Helper()
	doer, err := transport.New(transport.Config{Address: fv.srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return doer
}

func newTestEngine(t *testing.T, fv *fakeVault, clock *testClock, opts ...Option) *Engine {
	t.Helper()
	doer := newTestDoer(t, fv)
	strategy, err := auth.NewTokenStrategy(testToken)
	require.NoError(t, err)

	base := []Option{
		WithClock(clock.Now),
		WithRetry(&retry.Config{Attempts: 1}),
	}
	e, err := NewEngine(doer, auth.New(strategy, doer, auth.WithClock(clock.Now)), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}
