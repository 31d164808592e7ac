// Package origin is a development image server. It serves one bitmap with a
// selectable body framing and optional fragment pacing so the transfer
// clients can be exercised against slow, chunked and close-delimited
// responses.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContentType is sent with every image response.
const ContentType = "image/x-portable-bitmap"

// Framing selects how the image body is delimited.
type Framing string

const (
	FramingLength  Framing = "length"
	FramingChunked Framing = "chunked"
	FramingClose   Framing = "close"
)

// ParseFraming validates a framing name. Empty selects FramingLength.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingLength:
		return FramingLength, nil
	case FramingChunked, FramingClose:
		return Framing(s), nil
	default:
		return "", eris.Errorf("unknown framing %q (want length, chunked or close)", s)
	}
}

// Config holds the served image and the default delivery behavior. Every
// delivery setting can be overridden per request with the framing,
// fragment and delay_ms query parameters.
type Config struct {
	Image         []byte
	Framing       Framing
	FragmentSize  int
	FragmentDelay time.Duration
	CORSOrigins   []string
}

// Server routes the origin endpoints.
type Server struct {
	cfg    Config
	router chi.Router
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if len(cfg.Image) == 0 {
		return nil, eris.New("origin: image is empty")
	}
	f, err := ParseFraming(string(cfg.Framing))
	if err != nil {
		return nil, err
	}
	cfg.Framing = f
	if cfg.FragmentSize < 0 || cfg.FragmentDelay < 0 {
		return nil, eris.New("origin: fragment size and delay must not be negative")
	}

	s := &Server{cfg: cfg}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "ngrok-skip-browser-warning"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/image.pbm", s.serveImage)
	r.Get("/redirect", func(w http.ResponseWriter, r *http.Request) {
		target := "/image.pbm"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
	})
	r.Get("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(chi.URLParam(r, "code"))
		if err != nil || code < 200 || code > 599 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status code must be 200-599"})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, "%d %s\n", code, http.StatusText(code))
	})
	return r
}

type delivery struct {
	framing  Framing
	fragment int
	limiter  *rate.Limiter
}

func (s *Server) delivery(r *http.Request) (delivery, error) {
	q := r.URL.Query()
	d := delivery{framing: s.cfg.Framing, fragment: s.cfg.FragmentSize}
	delay := s.cfg.FragmentDelay

	if v := q.Get("framing"); v != "" {
		f, err := ParseFraming(v)
		if err != nil {
			return d, err
		}
		d.framing = f
	}
	if v := q.Get("fragment"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return d, eris.Errorf("invalid fragment %q", v)
		}
		d.fragment = n
	}
	if v := q.Get("delay_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return d, eris.Errorf("invalid delay_ms %q", v)
		}
		delay = time.Duration(ms) * time.Millisecond
	}

	if d.fragment == 0 {
		d.fragment = len(s.cfg.Image)
	}
	if delay > 0 {
		d.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return d, nil
}

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	d, err := s.delivery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch d.framing {
	case FramingClose:
		err = s.serveClose(w, r, d)
	default:
		w.Header().Set("Content-Type", ContentType)
		if d.framing == FramingLength {
			w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.Image)))
		}
		w.WriteHeader(http.StatusOK)
		err = s.writeFragments(r.Context(), w, d, flusherOf(w))
	}
	if err != nil {
		zap.L().Warn("origin: image delivery aborted",
			zap.String("framing", string(d.framing)),
			zap.Error(err),
		)
	}
}

// serveClose takes over the connection so the body can end with a close
// instead of a length or a terminating chunk.
func (s *Server) serveClose(w http.ResponseWriter, r *http.Request, d delivery) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "close framing needs HTTP/1.1", http.StatusHTTPVersionNotSupported)
		return eris.New("response writer cannot hijack")
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return eris.Wrap(err, "hijack")
	}
	defer conn.Close() //nolint:errcheck

	if _, err := fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nConnection: close\r\n\r\n", ContentType); err != nil {
		return eris.Wrap(err, "write head")
	}
	return s.writeFragments(r.Context(), buf, d, buf.Flush)
}

func (s *Server) writeFragments(ctx context.Context, w io.Writer, d delivery, flush func() error) error {
	data := s.cfg.Image
	for len(data) > 0 {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return eris.Wrap(err, "pacing")
			}
		}
		n := min(d.fragment, len(data))
		if _, err := w.Write(data[:n]); err != nil {
			return eris.Wrap(err, "write fragment")
		}
		if err := flush(); err != nil {
			return eris.Wrap(err, "flush fragment")
		}
		data = data[n:]
	}
	return nil
}

func flusherOf(w http.ResponseWriter) func() error {
	return func() error {
		if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("origin: request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("origin: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("origin: listening",
		zap.String("addr", addr),
		zap.String("framing", string(s.cfg.Framing)),
		zap.Int("bytes", len(s.cfg.Image)),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "origin listen")
	}
	return nil
}
