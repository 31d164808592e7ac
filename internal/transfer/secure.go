package transfer

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/fault"
)

// Options configures both transfer clients.
type Options struct {
	// InsecureSkipVerify disables certificate validation. Off by default.
	InsecureSkipVerify bool

	// RootCAs overrides the system roots for the secure client.
	RootCAs *x509.CertPool

	// HandshakeTimeout bounds connect plus TLS handshake.
	HandshakeTimeout time.Duration

	// HeaderTimeout bounds each status, header and chunk-size line read.
	HeaderTimeout time.Duration

	// StallTimeout is the longest gap between two successful body reads.
	StallTimeout time.Duration

	// ChunkCeiling caps the bytes handed to one fragment callback.
	ChunkCeiling int

	// UserAgent is sent on every request.
	UserAgent string
}

// DefaultOptions returns the device defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 30 * time.Second,
		HeaderTimeout:    15 * time.Second,
		StallTimeout:     8 * time.Second,
		ChunkCeiling:     DefaultChunkCeiling,
		UserAgent:        "inkfetch/1.0",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = def.HeaderTimeout
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = def.StallTimeout
	}
	if o.ChunkCeiling <= 0 {
		o.ChunkCeiling = def.ChunkCeiling
	}
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	return o
}

// SecureClient speaks a minimal HTTP/1.1 directly over a TLS socket and
// streams the body through the stall-aware reader. It never follows
// redirects and never reuses a connection.
type SecureClient struct {
	dialer Dialer
	clock  Clock
	opts   Options
}

// NewSecureClient creates a SecureClient. A nil clock uses SystemClock.
func NewSecureClient(dialer Dialer, clock Clock, opts Options) *SecureClient {
	if clock == nil {
		clock = SystemClock{}
	}
	if dialer == nil {
		dialer = NetDialer{}
	}
	return &SecureClient{dialer: dialer, clock: clock, opts: opts.withDefaults()}
}

// Fetch runs one transfer. The socket is closed on every return path.
func (c *SecureClient) Fetch(ctx context.Context, req Request) Outcome {
	out := newOutcome(req, c.clock.Now())
	out = c.fetch(ctx, req, out)
	return out.finish(c.clock)
}

func (c *SecureClient) fetch(ctx context.Context, req Request, out Outcome) Outcome {
	if req.OnFragment == nil || req.Overall <= 0 {
		return out.fail(fault.BadArguments, fault.New(fault.BadArguments, "nil callback or non-positive overall deadline"))
	}
	t := req.Target
	log := zap.L().With(
		zap.String("transfer_id", req.ID),
		zap.String("host", t.Host),
		zap.Int("port", t.Port),
	)

	log.Debug("tls: connecting", zap.Bool("insecure", c.opts.InsecureSkipVerify))
	raw, err := c.dialer.DialTLS(ctx, t.Host, t.Port, TLSOptions{
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
		RootCAs:            c.opts.RootCAs,
		HandshakeTimeout:   c.opts.HandshakeTimeout,
	})
	if err != nil {
		out.StatusCode = -1
		return out.fail(fault.TransportConnectFailed, fault.Wrap(fault.TransportConnectFailed, err, "tls connect failed"))
	}
	sock := &pushbackSocket{Socket: raw}
	defer sock.Close() //nolint:errcheck

	if _, err := sock.Write(buildRequest(t, c.opts.UserAgent, req.Headers)); err != nil {
		out.StatusCode = -1
		return out.fail(fault.TransportConnectFailed, fault.Wrap(fault.TransportConnectFailed, err, "write request"))
	}

	dl := Deadlines{Start: out.Started, Overall: req.Overall, Stall: c.opts.StallTimeout}
	c.awaitResponse(sock, dl)

	head, err := c.readHead(sock, dl)
	out.StatusCode = head.StatusCode
	out.ContentType = head.ContentType
	if head.StatusCode > 0 {
		out.ContentLength = head.ContentLength
	}
	out.Location = head.Location
	if err != nil {
		return out.fail(fault.HeaderReadTimeout, err)
	}
	out.Framing = head.framing()

	log.Debug("tls: response head",
		zap.Int("status", head.StatusCode),
		zap.String("content_type", head.ContentType),
		zap.Int64("content_length", head.ContentLength),
		zap.Stringer("framing", out.Framing),
	)

	if head.redirect() {
		return out.fail(fault.RedirectNotHandled, fault.Newf(fault.RedirectNotHandled, "redirect %d to %s not handled", head.StatusCode, head.Location))
	}
	if !head.success() {
		return out.fail(fault.NonSuccessStatus, fault.Newf(fault.NonSuccessStatus, "non-2xx status %d", head.StatusCode))
	}

	var n int64
	switch out.Framing {
	case FramingChunked:
		n, err = c.readChunked(sock, req.OnFragment, dl)
	case FramingLength:
		n, err = ReadExact(sock, head.ContentLength, req.OnFragment, dl, c.clock, c.opts.ChunkCeiling)
	default:
		n, err = Drain(sock, req.OnFragment, dl, c.clock, c.opts.ChunkCeiling)
	}
	out.Delivered = n
	if err != nil {
		return out.fail(fault.ReadFailed, err)
	}
	return out.succeed()
}

// awaitResponse polls until the first response byte is queued, the socket
// closes, or the overall deadline passes.
func (c *SecureClient) awaitResponse(sock Socket, dl Deadlines) {
	for sock.Available() == 0 {
		if !sock.Connected() || dl.expired(c.clock.Now()) {
			return
		}
		c.clock.Sleep(pollInterval)
	}
}

func (c *SecureClient) readHead(sock Socket, dl Deadlines) (responseHead, error) {
	head := responseHead{ContentLength: -1}

	line, err := ReadLine(sock, dl.remaining(c.clock.Now(), c.opts.HeaderTimeout), c.clock, MaxLineLength)
	if err != nil {
		return head, fault.Wrap(fault.NoStatusLine, err, "no status line")
	}
	code, err := parseStatusLine(line)
	if err != nil {
		return head, err
	}
	head.StatusLine = line
	head.StatusCode = code

	for {
		line, err := ReadLine(sock, dl.remaining(c.clock.Now(), c.opts.HeaderTimeout), c.clock, MaxLineLength)
		if err != nil {
			return head, &fault.Error{Kind: fault.HeaderReadTimeout, Err: err}
		}
		if !head.applyHeader(line) {
			return head, nil
		}
	}
}

func (c *SecureClient) readChunked(sock *pushbackSocket, fn FragmentFunc, dl Deadlines) (int64, error) {
	var total int64
	for {
		// Silence between chunks is a stall, not a header timeout.
		left := dl.remaining(c.clock.Now(), 0)
		line, err := ReadLine(sock, min(dl.Stall, left), c.clock, MaxLineLength)
		if err != nil {
			if fault.KindOf(err) == fault.Timeout && dl.Stall < left {
				return total, fault.Newf(fault.Stalled, "no chunk size line for %s (%d bytes)", dl.Stall, total)
			}
			return total, eris.Wrap(err, "chunk size line")
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, fault.Wrap(fault.ReadFailed, err, "chunk size")
		}
		if size == 0 {
			return total, nil
		}

		n, err := ReadExact(sock, size, fn, dl, c.clock, c.opts.ChunkCeiling)
		total += n
		if err != nil {
			return total, err
		}
		c.consumeChunkEnd(sock, dl)
	}
}

// consumeChunkEnd swallows the CRLF (or bare LF) after a chunk's data. A
// missing terminator is tolerated: any other byte is pushed back so the next
// size line stays intact.
func (c *SecureClient) consumeChunkEnd(sock *pushbackSocket, dl Deadlines) {
	b, ok := c.readByte(sock, dl)
	if !ok {
		return
	}
	switch b {
	case '\n':
	case '\r':
		if next, ok := c.readByte(sock, dl); ok && next != '\n' {
			sock.unread(next)
		}
	default:
		sock.unread(b)
	}
}

// readByte waits up to the stall deadline for a single byte.
func (c *SecureClient) readByte(sock Socket, dl Deadlines) (byte, bool) {
	var one [1]byte
	start := c.clock.Now()
	for {
		if sock.Available() > 0 {
			if r, err := sock.Read(one[:]); err == nil && r == 1 {
				return one[0], true
			}
		}
		if !sock.Connected() && sock.Available() <= 0 {
			return 0, false
		}
		now := c.clock.Now()
		if now.Sub(start) > dl.Stall || dl.expired(now) {
			return 0, false
		}
		c.clock.Sleep(pollInterval)
	}
}
