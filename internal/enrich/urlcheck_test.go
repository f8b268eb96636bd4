package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProbeTarget(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, u.Hostname()
}

func TestCheckExistingPath(t *testing.T) {
	srv, host := newProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewURLChecker([]string{host}, time.Minute, 16, time.Second)

	res := c.Check(context.Background(), srv.URL+"/admin")
	require.NotNil(t, res.Exists)
	assert.True(t, *res.Exists)
	assert.Equal(t, 200, res.Status)

	res = c.Check(context.Background(), srv.URL+"/missing")
	require.NotNil(t, res.Exists)
	assert.False(t, *res.Exists)
	assert.Equal(t, 404, res.Status)
}

func TestCheckGuardedPathCountsAsExisting(t *testing.T) {
	srv, host := newProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c := NewURLChecker([]string{host}, time.Minute, 16, time.Second)

	res := c.Check(context.Background(), srv.URL+"/secret")
	require.NotNil(t, res.Exists)
	assert.True(t, *res.Exists)
	assert.Equal(t, 403, res.Status)
}

func TestCheckFallsBackToGET(t *testing.T) {
	var gets atomic.Int32
	srv, host := newProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gets.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	c := NewURLChecker([]string{host}, time.Minute, 16, time.Second)

	res := c.Check(context.Background(), srv.URL+"/admin")
	require.NotNil(t, res.Exists)
	assert.True(t, *res.Exists)
	assert.Equal(t, int32(1), gets.Load())
}

func TestCheckServerErrorIsAbnormal(t *testing.T) {
	srv, host := newProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := NewURLChecker([]string{host}, time.Minute, 16, time.Second)

	res := c.Check(context.Background(), srv.URL+"/x")
	require.NotNil(t, res.Exists)
	assert.True(t, *res.Exists)
	assert.Equal(t, "abnormal", res.Note)
}

func TestCheckRefusesDisallowedHost(t *testing.T) {
	c := NewURLChecker([]string{"ids.example.com"}, time.Minute, 16, time.Second)

	res := c.Check(context.Background(), "http://evil.example.net/steal")
	assert.Nil(t, res.Exists)
	assert.Equal(t, "invalid_host", res.Note)

	res = c.Check(context.Background(), "://not a url")
	assert.Equal(t, "invalid_host", res.Note)
}

func TestCheckCachesResults(t *testing.T) {
	var hits atomic.Int32
	srv, host := newProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	c := NewURLChecker([]string{host}, time.Minute, 16, time.Second)

	for i := 0; i < 3; i++ {
		res := c.Check(context.Background(), srv.URL+"/admin")
		require.NotNil(t, res.Exists)
	}
	assert.Equal(t, int32(1), hits.Load(), "repeat checks inside the TTL hit the cache")
}

func TestCheckDoesNotFollowRedirects(t *testing.T) {
	srv, host := newProbeTarget(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.example.net/", http.StatusFound)
	})
	c := NewURLChecker([]string{host}, time.Minute, 16, time.Second)

	res := c.Check(context.Background(), srv.URL+"/admin")
	require.NotNil(t, res.Exists)
	assert.True(t, *res.Exists)
	assert.Equal(t, 302, res.Status)
}
