package transfer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/inkfetch/internal/fault"
)

// Fetcher runs a single prepared transfer.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) Outcome
}

// Dispatcher validates a URL, checks the link and routes the transfer to the
// secure or plain client. Only one transfer runs at a time; a second caller
// gets a Busy outcome instead of waiting.
type Dispatcher struct {
	link    Link
	secure  Fetcher
	plain   Fetcher
	clock   Clock
	headers []Header
	sem     *semaphore.Weighted
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLink sets the connectivity probe. The default is InterfaceLink.
func WithLink(l Link) DispatcherOption {
	return func(d *Dispatcher) { d.link = l }
}

// WithHeaders sets extra headers sent on every request.
func WithHeaders(h []Header) DispatcherOption {
	return func(d *Dispatcher) { d.headers = h }
}

// WithClock sets the clock used to stamp rejected transfers.
func WithClock(c Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a Dispatcher over the two clients.
func NewDispatcher(secure, plain Fetcher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		link:   InterfaceLink{},
		secure: secure,
		plain:  plain,
		clock:  SystemClock{},
		sem:    semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewDefaultDispatcher wires a SecureClient over NetDialer and a PlainClient
// over net/http with the same options.
func NewDefaultDispatcher(opts Options, dopts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(
		NewSecureClient(NetDialer{}, nil, opts),
		NewPlainClient(nil, nil, opts),
		dopts...,
	)
}

// Fetch streams rawURL to fn. Every call produces exactly one Outcome.
func (d *Dispatcher) Fetch(ctx context.Context, rawURL string, fn FragmentFunc, overall time.Duration) Outcome {
	id := uuid.NewString()
	reject := func(kind fault.Kind, err error) Outcome {
		out := Outcome{ID: id, URL: rawURL, ContentLength: -1, Started: d.clock.Now()}
		out = out.fail(kind, err)
		zap.L().Warn("transfer: rejected",
			zap.String("transfer_id", id),
			zap.String("url", rawURL),
			zap.Stringer("kind", out.Kind),
			zap.Error(err),
		)
		return out
	}

	if d.link != nil && !d.link.Connected() {
		return reject(fault.NotConnected, fault.New(fault.NotConnected, "network link is down"))
	}
	if fn == nil || overall <= 0 {
		return reject(fault.BadArguments, fault.New(fault.BadArguments, "nil callback or non-positive overall deadline"))
	}
	target, err := ParseTarget(rawURL)
	if err != nil {
		return reject(fault.MalformedURL, err)
	}
	if !d.sem.TryAcquire(1) {
		return reject(fault.Busy, fault.New(fault.Busy, "another transfer is in flight"))
	}
	defer d.sem.Release(1)

	client := d.plain
	if target.Scheme == SchemeHTTPS {
		client = d.secure
	}
	if client == nil {
		return reject(fault.BadArguments, fault.Newf(fault.BadArguments, "no client for scheme %s", target.Scheme))
	}

	log := zap.L().With(zap.String("transfer_id", id), zap.String("url", target.String()))
	log.Info("transfer: start", zap.String("scheme", target.Scheme), zap.Duration("overall", overall))

	out := client.Fetch(ctx, Request{
		ID:         id,
		Target:     target,
		Headers:    d.headers,
		OnFragment: fn,
		Overall:    overall,
	})
	out.ID = id

	fields := []zap.Field{
		zap.Bool("ok", out.OK),
		zap.Int("status", out.StatusCode),
		zap.Stringer("framing", out.Framing),
		zap.Int64("bytes", out.Delivered),
		zap.Duration("elapsed", out.Elapsed),
	}
	if out.OK {
		log.Info("transfer: done", fields...)
	} else {
		log.Warn("transfer: failed", append(fields, zap.Stringer("kind", out.Kind), zap.Error(out.Err))...)
	}
	return out
}

// Get fetches rawURL into memory. The body is nil unless the transfer
// succeeded.
func (d *Dispatcher) Get(ctx context.Context, rawURL string, overall time.Duration) ([]byte, Outcome) {
	var body []byte
	out := d.Fetch(ctx, rawURL, func(p []byte) bool {
		body = append(body, p...)
		return true
	}, overall)
	if !out.OK {
		return nil, out
	}
	if body == nil {
		body = []byte{}
	}
	return body, out
}
