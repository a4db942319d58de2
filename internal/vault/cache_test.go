package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vyrodovalexey/leasecache/internal/document"
	"github.com/vyrodovalexey/leasecache/internal/lease"
	"github.com/vyrodovalexey/leasecache/internal/observability"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state     lease.State
		renewable bool
		inFlight  bool
		want      Action
	}{
		{lease.Unleased, false, false, ActionFetch},
		{lease.Unleased, true, true, ActionFetch},
		{lease.Fresh, true, false, ActionServe},
		{lease.Fresh, false, true, ActionServe},
		{lease.NearExpiry, true, false, ActionRenew},
		{lease.NearExpiry, false, false, ActionRefetch},
		{lease.NearExpiry, true, true, ActionServe},
		{lease.NearExpiry, false, true, ActionServe},
		{lease.Expired, true, false, ActionRefetchSync},
		{lease.Expired, false, false, ActionRefetchSync},
		{lease.Expired, true, true, ActionServe},
	}

	for _, tt := range tests {
		got := Decide(tt.state, tt.renewable, tt.inFlight)
		assert.Equal(t, tt.want, got, "state=%s renewable=%v inFlight=%v", tt.state, tt.renewable, tt.inFlight)
	}
}

func TestAction_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "serve", ActionServe.String())
	assert.Equal(t, "refetch_sync", ActionRefetchSync.String())
	assert.Equal(t, "unknown", Action(99).String())
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"secret/app":                 "secret/app",
		"/secret/app/":               "secret/app",
		"  secret/app  ":             "secret/app",
		"/secret/data/app?version=2": "secret/data/app?version=2",
		"":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePath(in), "input %q", in)
	}
}

func TestSecretCache_GetIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewSecretCache(0)
	first := c.Get("secret/app")
	second := c.Get("/secret/app/")

	assert.Same(t, first, second)
	assert.False(t, first.Leased)
	assert.Nil(t, first.Value)
	assert.Equal(t, "secret/app", first.Path)
	assert.Equal(t, 1, c.Len())
}

func TestSecretCache_ConcurrentGetCreatesOneSlot(t *testing.T) {
	t.Parallel()

	c := NewSecretCache(0)
	var wg sync.WaitGroup
	slots := make([]*slot, 32)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slots[i] = c.slot("secret/app")
		}(i)
	}
	wg.Wait()

	for _, s := range slots {
		assert.Same(t, slots[0], s)
	}
}

func TestSecretCache_EvictsLeastRecentlyRead(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	c := NewSecretCache(2)
	c.metrics = metrics
	base := time.Unix(1000, 0)

	a := c.slot("a")
	a.touch(base)
	b := c.slot("b")
	b.touch(base.Add(time.Second))
	a.touch(base.Add(2 * time.Second))

	c.slot("c")
	assert.Equal(t, 2, c.Len())

	paths := pathsOf(c.Snapshot())
	assert.Equal(t, []string{"a", "c"}, paths)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.evictionsTotal))
}

func TestSecretCache_NewSlotsCountAsRead(t *testing.T) {
	t.Parallel()

	c := NewSecretCache(2)
	tick := time.Unix(1000, 0)
	c.clock = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	a := c.slot("a")
	assert.NotZero(t, a.lastRead.Load())
	c.slot("b")
	c.slot("c")

	assert.Equal(t, []string{"b", "c"}, pathsOf(c.Snapshot()), "the oldest slot is evicted, not the newest")
}

func TestTTLFieldFor(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"secret/data/app":      kvTTLField,
		"kv/data/team/app":     kvTTLField,
		"secret/app":           "",
		"database/creds/app":   "",
		"secret/data/":         "",
		"data/app":             "",
		"secret/metadata/data": "",
	}
	for path, want := range tests {
		assert.Equal(t, want, ttlFieldFor(path), "path %q", path)
	}
}

func TestSecretCache_EvictionSkipsInFlight(t *testing.T) {
	t.Parallel()

	c := NewSecretCache(1)
	a := c.slot("a")
	require.True(t, a.tryAcquire())

	c.slot("b")
	assert.Equal(t, 2, c.Len(), "in-flight slots are never evicted")
	assert.Equal(t, []string{"a", "b"}, pathsOf(c.Snapshot()))
}

func TestSecretCache_InvalidateAndSnapshot(t *testing.T) {
	t.Parallel()

	c := NewSecretCache(0)
	s := c.slot("secret/data/app?version=0")
	issued := time.Unix(500, 0)
	s.install(&Entry{Path: s.key, Value: document.Document{}, LeaseID: "l", IssuedAt: issued, LeaseDuration: time.Minute, Leased: true})

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "secret/data/app?version=0", snap[0].Path)
	assert.True(t, snap[0].Leased)
	assert.Equal(t, "l", snap[0].LeaseID)
	assert.Equal(t, issued, snap[0].IssuedAt)
	assert.Equal(t, "secret/data/app", s.path)
	assert.Equal(t, "0", s.query.Get("version"))
	assert.Equal(t, kvTTLField, s.ttlField)

	assert.True(t, c.Invalidate("/secret/data/app?version=0"))
	assert.False(t, c.Invalidate("secret/data/app?version=0"))
	assert.Zero(t, c.Len())
}

func pathsOf(infos []EntryInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Path)
	}
	return out
}

func TestSlot_InstallKeepsIssuedAtMonotonic(t *testing.T) {
	t.Parallel()

	s := newSlot("secret/app", time.Time{})
	newer := &Entry{Path: "secret/app", Value: document.Document{}, IssuedAt: time.Unix(200, 0), Leased: true}
	older := &Entry{Path: "secret/app", Value: document.Document{}, IssuedAt: time.Unix(100, 0), Leased: true}

	assert.True(t, s.install(newer))
	assert.False(t, s.install(older))
	assert.Same(t, newer, s.load())

	s.reset()
	assert.False(t, s.load().Leased)
	assert.True(t, s.install(older))
}

func TestNewEntry(t *testing.T) {
	t.Parallel()

	issued := time.Unix(100, 0)

	doc := document.Document{"lease_id": "l1", "lease_duration": 30, "renewable": true, "data": map[string]interface{}{}}
	e := newEntry("p", doc, issued, DefaultLeaseDuration, "")
	assert.Equal(t, "l1", e.LeaseID)
	assert.Equal(t, 30*time.Second, e.LeaseDuration)
	assert.True(t, e.Renewable)
	assert.True(t, e.Leased)
	assert.Equal(t, issued, e.IssuedAt)

	noLease := newEntry("p", document.Document{"lease_duration": 0}, issued, DefaultLeaseDuration, "")
	assert.Equal(t, DefaultLeaseDuration, noLease.LeaseDuration)

	withTTL := newEntry("p", document.Document{
		"data": map[string]interface{}{"data": map[string]interface{}{"ttl": "5"}},
	}, issued, DefaultLeaseDuration, kvTTLField)
	assert.Equal(t, 5*time.Second, withTTL.LeaseDuration)

	badTTL := newEntry("p", document.Document{
		"data": map[string]interface{}{"data": map[string]interface{}{"ttl": "soon"}},
	}, issued, DefaultLeaseDuration, kvTTLField)
	assert.Equal(t, DefaultLeaseDuration, badTTL.LeaseDuration)

	empty := newEntry("p", nil, issued, DefaultLeaseDuration, "")
	assert.NotNil(t, empty.Value)
}

func TestCoordinator_ReleasesFlagOnPanic(t *testing.T) {
	t.Parallel()

	var hookErr error
	c := newCoordinator(time.Second, observability.NopLogger(), noop.NewTracerProvider().Tracer("test"), nil,
		func(_ string, _ RefreshKind, err error) { hookErr = err })

	s := newSlot("secret/app", time.Time{})
	require.True(t, s.tryAcquire())
	c.launch(context.Background(), s, RefreshRefetch, func(context.Context) (*Entry, error) {
		panic("boom")
	})
	c.Wait()

	assert.False(t, s.inFlight.Load())
	require.Error(t, hookErr)
	assert.Contains(t, hookErr.Error(), "panicked")
	assert.True(t, s.tryAcquire(), "a later task may run")
}

func TestCoordinator_DetachedFromCallerCancellation(t *testing.T) {
	t.Parallel()

	c := newCoordinator(time.Second, observability.NopLogger(), noop.NewTracerProvider().Tracer("test"), nil, nil)
	s := newSlot("secret/app", time.Time{})
	require.True(t, s.tryAcquire())

	parent, cancel := context.WithCancel(context.Background())
	cancel()

	var taskErr error
	c.launch(parent, s, RefreshRefetch, func(ctx context.Context) (*Entry, error) {
		taskErr = ctx.Err()
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			return nil, errors.New("missing deadline")
		}
		return &Entry{Path: s.key, Value: document.Document{}, IssuedAt: time.Unix(10, 0), Leased: true}, nil
	})
	require.NoError(t, c.waitContext(context.Background()))

	assert.NoError(t, taskErr)
	assert.True(t, s.load().Leased)
	assert.False(t, s.inFlight.Load())
}

func TestKVRequest_Resolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		req      KVRequest
		key      string
		field    string
		ttlField string
		wantErr  error
	}{
		{
			name:     "v2 defaults",
			req:      KVRequest{Name: "app", Key: "password"},
			key:      "secret/data/app?version=0",
			field:    "data.data.password",
			ttlField: kvTTLField,
		},
		{
			name:     "v2 pinned version custom mount",
			req:      KVRequest{Name: "/team/app/", Key: "user", Version: 3, Mount: "/kv/"},
			key:      "kv/data/team/app?version=3",
			field:    "data.data.user",
			ttlField: kvTTLField,
		},
		{
			name:  "v1",
			req:   KVRequest{Name: "app", Key: "password", Mount: "legacy", EngineVersion: 1},
			key:   "legacy/app",
			field: "data.password",
		},
		{
			name:  "v1 whole secret",
			req:   KVRequest{Name: "app", EngineVersion: 1},
			key:   "secret/app",
			field: "data",
		},
		{
			name:    "unsupported engine",
			req:     KVRequest{Name: "app", Key: "k", EngineVersion: 3},
			wantErr: ErrUnsupportedEngine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, field, err := tt.req.resolve()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.ttlField, newSlot(key, time.Time{}).ttlField)
		})
	}

	_, _, err := KVRequest{Key: "k"}.resolve()
	assert.Error(t, err)
}

func TestEngine_ReadKVEngineV1(t *testing.T) {
	fv := newFakeVault(t)
	fv.set("legacy/app", leasedSecret("", 0, false, map[string]interface{}{"password": "hunter2"}))
	e := newTestEngine(t, fv, newTestClock())

	value, found, err := e.ReadKV(context.Background(), KVRequest{Name: "app", Key: "password", Mount: "legacy", EngineVersion: 1})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hunter2", value)
	assert.Equal(t, DefaultLeaseDuration, e.Cache().Get("legacy/app").LeaseDuration)

	_, _, err = e.ReadKV(context.Background(), KVRequest{Name: "app", EngineVersion: 7})
	assert.ErrorIs(t, err, ErrUnsupportedEngine)
}
