package transfer

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/fault"
)

// PlainClient is the unencrypted fallback. Connection handling, header
// parsing, redirects and chunked decoding are delegated to net/http; the body
// is still driven through the same stall-aware polling loop as the secure
// path so slow servers behave identically.
type PlainClient struct {
	client *http.Client
	clock  Clock
	opts   Options
}

// NewPlainClient creates a PlainClient. A nil client gets a transport that
// disables keep-alive and transparent compression.
func NewPlainClient(client *http.Client, clock Clock, opts Options) *PlainClient {
	opts = opts.withDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DisableKeepAlives:     true,
				DisableCompression:    true,
				TLSHandshakeTimeout:   opts.HandshakeTimeout,
				ResponseHeaderTimeout: opts.HeaderTimeout,
			},
		}
	}
	return &PlainClient{client: client, clock: clock, opts: opts}
}

// Fetch runs one transfer, following redirects.
func (c *PlainClient) Fetch(ctx context.Context, req Request) Outcome {
	out := newOutcome(req, c.clock.Now())
	out = c.fetch(ctx, req, out)
	return out.finish(c.clock)
}

func (c *PlainClient) fetch(ctx context.Context, req Request, out Outcome) Outcome {
	if req.OnFragment == nil || req.Overall <= 0 {
		return out.fail(fault.BadArguments, fault.New(fault.BadArguments, "nil callback or non-positive overall deadline"))
	}
	log := zap.L().With(zap.String("transfer_id", req.ID), zap.String("url", out.URL))

	// The context bounds the library's own connect and header phase; the
	// body loop below enforces the same deadline itself.
	ctx, cancel := context.WithTimeout(ctx, req.Overall)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Target.String(), nil)
	if err != nil {
		return out.fail(fault.MalformedURL, fault.Wrap(fault.MalformedURL, err, "create request"))
	}
	hreq.Close = true
	hreq.Header.Set("Accept-Encoding", "identity")
	hreq.Header.Set("User-Agent", c.opts.UserAgent)
	for _, h := range req.Headers {
		if h.Name != "" {
			hreq.Header.Set(h.Name, h.Value)
		}
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		out.StatusCode = -1
		if errors.Is(err, context.DeadlineExceeded) {
			return out.fail(fault.Timeout, fault.Wrap(fault.Timeout, err, "http get"))
		}
		return out.fail(fault.TransportConnectFailed, fault.Wrap(fault.TransportConnectFailed, err, "http get"))
	}
	sock := NewPumpSocket(resp.Body, nil, DefaultQueueLimit)
	defer sock.Close() //nolint:errcheck

	out.StatusCode = resp.StatusCode
	out.ContentType = resp.Header.Get("Content-Type")
	out.ContentLength = resp.ContentLength
	if final := resp.Request.URL.String(); final != out.URL {
		out.Location = final
	}
	switch {
	case len(resp.TransferEncoding) > 0:
		out.Framing = FramingChunked
	case resp.ContentLength >= 0:
		out.Framing = FramingLength
	default:
		out.Framing = FramingClose
	}

	log.Debug("http: response head",
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", out.ContentType),
		zap.Int64("content_length", out.ContentLength),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out.fail(fault.NonSuccessStatus, fault.Newf(fault.NonSuccessStatus, "non-2xx status %d", resp.StatusCode))
	}

	dl := Deadlines{Start: out.Started, Overall: req.Overall, Stall: c.opts.StallTimeout}
	var n int64
	if resp.ContentLength >= 0 {
		n, err = ReadExact(sock, resp.ContentLength, req.OnFragment, dl, c.clock, c.opts.ChunkCeiling)
	} else {
		n, err = ReadUntilClose(sock, req.OnFragment, dl, c.clock, c.opts.ChunkCeiling)
	}
	out.Delivered = n
	if err != nil {
		return out.fail(fault.ReadFailed, err)
	}
	return out.succeed()
}
