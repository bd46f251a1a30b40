package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgov/policy-gateway/internal/apierr"
)

func TestStopUnknownAdapter(t *testing.T) {
	s := New(21000, time.Second)
	err := s.Stop("ghost")
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.ResourceNotFound, ae.Kind)
}

func TestConvertMissingBinaryFailsFast(t *testing.T) {
	s := New(21000, time.Second)

	_, err := s.Convert(context.Background(), "broken", "definitely-not-a-real-binary-zz", nil, nil)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.AdapterStartTimeout, ae.Kind)
	assert.Nil(t, s.StatusOf("broken"))
	assert.Empty(t, s.List())
}

func TestPortsAllocatedMonotonically(t *testing.T) {
	s := New(21000, time.Second)

	_, _ = s.Convert(context.Background(), "a", "definitely-not-a-real-binary-zz", nil, nil)
	_, _ = s.Convert(context.Background(), "b", "definitely-not-a-real-binary-zz", nil, nil)

	s.mu.Lock()
	next := s.nextPort
	s.mu.Unlock()
	// Each attempt consumes a port; a failed child's port is never handed
	// to the next adapter while its fate is unknown.
	assert.Equal(t, 21002, next)
}

// fakeEntry inserts a hand-built pool entry, standing in for a healthy
// child without spawning a process.
func fakeEntry(s *Supervisor, name string, port int) *Adapter {
	a := &Adapter{
		ServerName: name,
		Port:       port,
		Command:    "adapter-bin",
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	s.pool[name] = a
	s.mu.Unlock()
	return a
}

func TestListHasUniqueNamesAndPorts(t *testing.T) {
	s := New(21000, time.Second)
	fakeEntry(s, "one", 21000)
	fakeEntry(s, "two", 21001)

	entries := s.List()
	require.Len(t, entries, 2)
	names := map[string]bool{}
	ports := map[int]bool{}
	for _, e := range entries {
		assert.False(t, names[e.ServerName], "duplicate server_name %s", e.ServerName)
		assert.False(t, ports[e.Port], "duplicate port %d", e.Port)
		names[e.ServerName] = true
		ports[e.Port] = true
		assert.True(t, e.Running)
	}
}

func TestReverseProxyRewritesPath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"tools":[]}`))
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s := New(21000, time.Second)
	fakeEntry(s, "files", port)

	handler := s.ReverseProxyHandler("/servers")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers/files/tools/list", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/tools/list", gotPath)
}

func TestReverseProxyUnknownAdapter(t *testing.T) {
	s := New(21000, time.Second)
	handler := s.ReverseProxyHandler("/servers")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers/nope/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
