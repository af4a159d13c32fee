package asyncetcd

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// etcdHandler fakes enough of the v2 key-space for round trips through the
// built-in engine.
func etcdHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/keys/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Etcd-Cluster-Id", "cafe0123")
		w.Header().Set("X-Etcd-Index", "7")
		w.Header().Set("X-Raft-Index", "14")
		w.Header().Set("X-Raft-Term", "2")

		key := r.URL.Path[len("/v2/keys"):]
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			_ = body
			fmt.Fprintf(w, `{"action":"set","node":{"key":"%s","value":"x","modifiedIndex":7,"createdIndex":7}}`, key)
		case http.MethodGet:
			if key == "/missing" {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"errorCode":100,"message":"Key not found","cause":"/missing","index":7}`)
				return
			}
			fmt.Fprintf(w, `{"action":"get","node":{"key":"%s","value":"x","modifiedIndex":7,"createdIndex":7}}`, key)
		case http.MethodDelete:
			fmt.Fprintf(w, `{"action":"delete","node":{"key":"%s","modifiedIndex":8,"createdIndex":7}}`, key)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/old/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/v2/keys/moved", http.StatusTemporaryRedirect)
	})
	return mux
}

func TestLive_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(etcdHandler())
	defer srv.Close()

	var rec collector
	c, err := New(rec.proc, &Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("/a/b", "x", 0))
	got := rec.wait(t, 1)[0]

	assert.Equal(t, KindOK, got.kind)
	assert.Equal(t, ActionSet, got.action)
	assert.Equal(t, 200, got.status)
	assert.Equal(t, "cafe0123", got.cluster)
	require.NotNil(t, got.node)
	assert.Equal(t, "/a/b", got.node.Key)
	assert.Equal(t, int64(7), got.node.ModifiedIndex)
}

func TestLive_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(etcdHandler())
	defer srv.Close()

	var rec collector
	c, err := New(rec.proc, &Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Get("/missing"))
	got := rec.wait(t, 1)[0]

	assert.Equal(t, KindResponse, got.kind)
	assert.Equal(t, int64(100), got.errCode)
	assert.Equal(t, "Key not found", got.errMsg)
	assert.Equal(t, 404, got.status)
}

func TestLive_ManyConcurrentTransfers(t *testing.T) {
	srv := httptest.NewServer(etcdHandler())
	defer srv.Close()

	var rec collector
	c, err := New(rec.proc, &Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	defer c.Close()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, c.GetWith(fmt.Sprintf("/k%d", i), GetOptions{}))
	}
	got := rec.wait(t, n)
	for _, r := range got {
		assert.Equal(t, KindOK, r.kind)
		assert.Equal(t, ActionGet, r.action)
	}
}

func TestLive_RedirectFollowed(t *testing.T) {
	srv := httptest.NewServer(etcdHandler())
	defer srv.Close()

	var rec collector
	c, err := New(rec.proc, &Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	defer c.Close()

	req := newRequest(srv.URL+"/old/thing", methodGet)
	require.NoError(t, c.send(req))
	got := rec.wait(t, 1)[0]

	assert.Equal(t, KindOK, got.kind)
	assert.Equal(t, 200, got.status)
	require.NotNil(t, got.node)
	assert.Equal(t, "/moved", got.node.Key)
}

func TestLive_ConnectFailure(t *testing.T) {
	var rec collector
	c, err := New(rec.proc, &Config{
		// A listener that is immediately closed, so the port refuses.
		Endpoints:      []string{unusedEndpoint(t)},
		ConnectTimeout: 500 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Get("/k"))
	got := rec.wait(t, 1)[0]
	assert.Equal(t, KindTransport, got.kind)
}

func unusedEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func TestLive_CloseWithInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	var rec collector
	c, err := New(rec.proc, &Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.GetWith(fmt.Sprintf("/k%d", i), GetOptions{}))
	}

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("close did not return with transfers in flight")
	}
	assert.Zero(t, rec.count())
}
