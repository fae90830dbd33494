package a2a_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/a2a"
	"github.com/stewardhq/steward/runtime/fault"
)

func TestDiscoverFetchesAndCaches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/agent.json", r.URL.Path)
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(a2a.AgentCard{
			Name: "researcher",
			URL:  "https://agent.example.com/a2a",
			Skills: []a2a.AgentSkill{
				{ID: "build.create", Description: "builds things"},
			},
		})
	}))
	defer srv.Close()

	d := a2a.NewDiscoverer()
	ctx := context.Background()

	card, err := d.Discover(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "researcher", card.Name)
	skill, ok := card.Skill("build.create")
	require.True(t, ok)
	assert.Equal(t, "builds things", skill.Description)

	// Second lookup is served from cache.
	_, err = d.Discover(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())

	// Invalidation forces a refetch.
	d.Invalidate(srv.URL)
	_, err = d.Discover(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestDiscoverMissingCardIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := a2a.NewDiscoverer().Discover(context.Background(), srv.URL)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestDiscoverMalformedCardIsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := a2a.NewDiscoverer().Discover(context.Background(), srv.URL)
	assert.Equal(t, fault.KindUpstreamFailure, fault.KindOf(err))
}

func TestDiscoverDefaultsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "quiet"})
	}))
	defer srv.Close()

	card, err := a2a.NewDiscoverer().Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/a2a", card.URL)
}

func TestErrorFaultMapping(t *testing.T) {
	e := &a2a.Error{Code: a2a.CodeConflict, Message: "busy"}
	f := e.Fault()
	assert.Equal(t, fault.KindConflict, f.Kind)
	assert.ErrorIs(t, f, error(e))
}

func TestCodeForKindRoundTrip(t *testing.T) {
	for _, kind := range []fault.Kind{
		fault.KindBadRequest, fault.KindUnauthorized, fault.KindNotFound,
		fault.KindConflict, fault.KindUnconfigured, fault.KindUpstreamTimeout,
		fault.KindCancelled,
	} {
		code := a2a.CodeForKind(kind)
		e := &a2a.Error{Code: code, Message: "x"}
		assert.Equal(t, kind, e.Fault().Kind, "kind %s", kind)
	}
	assert.Equal(t, a2a.CodeInternal, a2a.CodeForKind(fault.KindInternal))
}
