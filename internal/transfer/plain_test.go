package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inkfetch/internal/fault"
)

func plainRequest(t *testing.T, raw string, fn FragmentFunc) Request {
	t.Helper()
	target, err := ParseTarget(raw)
	require.NoError(t, err)
	return Request{ID: "plain", Target: target, OnFragment: fn, Overall: 5 * time.Second}
}

func TestPlainFetch_ContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		assert.Equal(t, "inkfetch/test", r.Header.Get("User-Agent"))
		assert.Equal(t, "true", r.Header.Get("ngrok-skip-browser-warning"))
		w.Header().Set("Content-Type", "image/x-portable-bitmap")
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := NewPlainClient(nil, nil, Options{UserAgent: "inkfetch/test"})
	req := plainRequest(t, srv.URL+"/image.pbm", nil)
	var c collector
	req.OnFragment = c.fn
	req.Headers = []Header{{Name: "ngrok-skip-browser-warning", Value: "true"}}

	out := client.Fetch(context.Background(), req)
	require.True(t, out.OK, out.Description())
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, "image/x-portable-bitmap", out.ContentType)
	assert.Equal(t, int64(5), out.ContentLength)
	assert.Equal(t, FramingLength, out.Framing)
	assert.Equal(t, "hello", string(c.data))
	assert.Empty(t, out.Location)
}

func TestPlainFetch_Chunked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := range 5 {
			_, _ = w.Write([]byte(strconv.Itoa(i)))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	var c collector
	out := NewPlainClient(nil, nil, Options{}).Fetch(context.Background(), plainRequest(t, srv.URL, c.fn))
	require.True(t, out.OK, out.Description())
	assert.Equal(t, FramingChunked, out.Framing)
	assert.Equal(t, int64(-1), out.ContentLength)
	assert.Equal(t, "01234", string(c.data))
}

func TestPlainFetch_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moved"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var c collector
	out := NewPlainClient(nil, nil, Options{}).Fetch(context.Background(), plainRequest(t, srv.URL+"/old", c.fn))
	require.True(t, out.OK, out.Description())
	assert.Equal(t, "moved", string(c.data))
	assert.Equal(t, srv.URL+"/new", out.Location)
}

func TestPlainFetch_NonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var c collector
	out := NewPlainClient(nil, nil, Options{}).Fetch(context.Background(), plainRequest(t, srv.URL, c.fn))
	assert.False(t, out.OK)
	assert.Equal(t, fault.NonSuccessStatus, out.Kind)
	assert.Equal(t, 503, out.StatusCode)
	assert.Zero(t, c.fragments)
}

func TestPlainFetch_ConnectFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var c collector
	out := NewPlainClient(nil, nil, Options{}).Fetch(context.Background(), plainRequest(t, url, c.fn))
	assert.False(t, out.OK)
	assert.Equal(t, fault.TransportConnectFailed, out.Kind)
	assert.Equal(t, -1, out.StatusCode)
}

func TestPlainFetch_Stalled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("abc"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	var c collector
	client := NewPlainClient(nil, nil, Options{StallTimeout: 100 * time.Millisecond})
	out := client.Fetch(context.Background(), plainRequest(t, srv.URL, c.fn))
	assert.False(t, out.OK)
	assert.Equal(t, fault.Stalled, out.Kind)
	assert.Equal(t, int64(3), out.Delivered)
}

func TestPlainFetch_UnknownLengthStalled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("abc"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	var c collector
	client := NewPlainClient(nil, nil, Options{StallTimeout: 100 * time.Millisecond})
	out := client.Fetch(context.Background(), plainRequest(t, srv.URL, c.fn))
	assert.False(t, out.OK)
	assert.Equal(t, fault.Stalled, out.Kind)
	assert.Equal(t, FramingChunked, out.Framing)
	assert.Equal(t, int64(3), out.Delivered)
	assert.Equal(t, "abc", string(c.data))
}

func TestPlainFetch_ShortBodyIsConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, buf, err := hj.Hijack()
		require.NoError(t, err)
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 10\r\nConnection: close\r\n\r\nabc")
		_ = buf.Flush()
	}))
	defer srv.Close()

	var c collector
	out := NewPlainClient(nil, nil, Options{}).Fetch(context.Background(), plainRequest(t, srv.URL, c.fn))
	assert.False(t, out.OK)
	assert.Contains(t, []fault.Kind{fault.ConnectionLost, fault.ReadFailed}, out.Kind)
	assert.Equal(t, int64(3), out.Delivered)
}
