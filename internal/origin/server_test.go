package origin

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inkfetch/internal/fault"
	"github.com/sells-group/inkfetch/internal/pbm"
	"github.com/sells-group/inkfetch/internal/transfer"
)

func testImage(t *testing.T, w, h int) (pbm.Bitmap, []byte) {
	t.Helper()
	b := pbm.Pattern(w, h)
	var buf bytes.Buffer
	require.NoError(t, pbm.Encode(&buf, b))
	return b, buf.Bytes()
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Image: []byte("x"), Framing: "gzip"})
	assert.Error(t, err)

	_, err = New(Config{Image: []byte("x"), FragmentSize: -1})
	assert.Error(t, err)

	s, err := New(Config{Image: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, FramingLength, s.cfg.Framing)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{Image: []byte("x")})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusRoute(t *testing.T) {
	s := newTestServer(t, Config{Image: []byte("x")})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/503", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Service Unavailable")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImage_BadQuery(t *testing.T) {
	s := newTestServer(t, Config{Image: []byte("x")})
	for _, q := range []string{"framing=gzip", "fragment=-3", "delay_ms=soon"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/image.pbm?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestImage_CORS(t *testing.T) {
	s := newTestServer(t, Config{Image: []byte("x"), CORSOrigins: []string{"https://preview.example.com"}})
	req := httptest.NewRequest(http.MethodGet, "/image.pbm", nil)
	req.Header.Set("Origin", "https://preview.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://preview.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestImage_PlainClientFramings(t *testing.T) {
	want, image := testImage(t, 400, 300)
	srv := httptest.NewServer(newTestServer(t, Config{Image: image, FragmentSize: 1000}).Handler())
	defer srv.Close()

	tests := []struct {
		query   string
		framing transfer.Framing
		length  int64
	}{
		{"framing=length", transfer.FramingLength, int64(len(image))},
		{"framing=chunked", transfer.FramingChunked, -1},
		{"framing=close&fragment=333", transfer.FramingClose, -1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			d := transfer.NewDefaultDispatcher(transfer.DefaultOptions(), transfer.WithLink(transfer.LinkFunc(func() bool { return true })))
			dst := make([]byte, pbm.Size(400, 300))

			res, out := pbm.Fetch(context.Background(), d, srv.URL+"/image.pbm?"+tt.query, dst, 400, 300, 10*time.Second)
			require.True(t, out.OK, out.Description())
			require.True(t, res.OK(), res.Err)
			assert.Equal(t, tt.framing, out.Framing)
			assert.Equal(t, tt.length, out.ContentLength)
			assert.Equal(t, ContentType, out.ContentType)
			assert.Equal(t, want.Pix, dst)
		})
	}
}

func TestImage_SecureClientFramings(t *testing.T) {
	want, image := testImage(t, 200, 100)
	srv := httptest.NewTLSServer(newTestServer(t, Config{Image: image, FragmentSize: 97}).Handler())
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	opts := transfer.DefaultOptions()
	opts.RootCAs = pool

	for _, framing := range []transfer.Framing{transfer.FramingLength, transfer.FramingChunked, transfer.FramingClose} {
		t.Run(framing.String(), func(t *testing.T) {
			d := transfer.NewDefaultDispatcher(opts, transfer.WithLink(transfer.LinkFunc(func() bool { return true })))
			dst := make([]byte, pbm.Size(200, 100))

			res, out := pbm.Fetch(context.Background(), d, srv.URL+"/image.pbm?framing="+framing.String(), dst, 200, 100, 10*time.Second)
			require.True(t, out.OK, out.Description())
			require.True(t, res.OK(), res.Err)
			assert.Equal(t, framing, out.Framing)
			assert.Equal(t, want.Pix, dst)
		})
	}
}

func TestImage_SecureClientDoesNotFollowRedirect(t *testing.T) {
	_, image := testImage(t, 8, 8)
	srv := httptest.NewTLSServer(newTestServer(t, Config{Image: image}).Handler())
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	opts := transfer.DefaultOptions()
	opts.RootCAs = pool
	d := transfer.NewDefaultDispatcher(opts, transfer.WithLink(transfer.LinkFunc(func() bool { return true })))

	_, out := d.Get(context.Background(), srv.URL+"/redirect?framing=chunked", 5*time.Second)
	assert.Equal(t, fault.RedirectNotHandled, out.Kind)
	assert.Equal(t, http.StatusFound, out.StatusCode)
	assert.Equal(t, "/image.pbm?framing=chunked", out.Location)
}

func TestImage_PlainClientFollowsRedirect(t *testing.T) {
	_, image := testImage(t, 8, 8)
	srv := httptest.NewServer(newTestServer(t, Config{Image: image}).Handler())
	defer srv.Close()

	d := transfer.NewDefaultDispatcher(transfer.DefaultOptions(), transfer.WithLink(transfer.LinkFunc(func() bool { return true })))
	body, out := d.Get(context.Background(), srv.URL+"/redirect", 5*time.Second)
	require.True(t, out.OK, out.Description())
	assert.Equal(t, image, body)
	assert.Equal(t, srv.URL+"/image.pbm", out.Location)
}

func TestImage_PacedDeliveryStalls(t *testing.T) {
	_, image := testImage(t, 64, 64)
	srv := httptest.NewServer(newTestServer(t, Config{Image: image}).Handler())
	defer srv.Close()

	opts := transfer.DefaultOptions()
	opts.StallTimeout = 50 * time.Millisecond
	d := transfer.NewDefaultDispatcher(opts, transfer.WithLink(transfer.LinkFunc(func() bool { return true })))

	_, out := d.Get(context.Background(), srv.URL+"/image.pbm?fragment=64&delay_ms=400", 5*time.Second)
	assert.Equal(t, fault.Stalled, out.Kind)
	assert.Positive(t, out.Delivered)
	assert.Less(t, out.Delivered, int64(len(image)))
}

func TestImage_PacedDeliveryCompletes(t *testing.T) {
	_, image := testImage(t, 32, 8)
	srv := httptest.NewServer(newTestServer(t, Config{Image: image, FragmentSize: 10, FragmentDelay: 5 * time.Millisecond}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/image.pbm")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}
