package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Socket is a polled byte stream. Read never blocks: it returns 0 bytes when
// nothing is queued. Connected may turn false while Available is still
// positive; callers must drain queued bytes before declaring the stream lost.
type Socket interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Available() int
	Connected() bool
	Close() error
}

// TLSOptions configures a secure dial.
type TLSOptions struct {
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	HandshakeTimeout   time.Duration
}

// Dialer opens secure sockets.
type Dialer interface {
	DialTLS(ctx context.Context, host string, port int, opts TLSOptions) (Socket, error)
}

// Clock is the monotonic time source and sleep primitive used by every
// polling loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Link reports whether the network link is usable.
type Link interface {
	Connected() bool
}

// LinkFunc adapts a function to Link.
type LinkFunc func() bool

func (f LinkFunc) Connected() bool { return f() }

// InterfaceLink reports the link as up when any non-loopback interface is up
// and has an address.
type InterfaceLink struct{}

func (InterfaceLink) Connected() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// DefaultQueueLimit bounds how many bytes a PumpSocket reads ahead.
const DefaultQueueLimit = 4096

// PumpSocket adapts a blocking reader into a polled Socket. A background
// goroutine moves bytes from the reader into a bounded queue and parks while
// the queue is full, so the socket never reads further ahead than the limit.
type PumpSocket struct {
	r io.ReadCloser
	w io.Writer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []byte
	limit  int
	done   bool
	err    error
	closed bool
}

// NewPumpSocket starts pumping r. w may be nil for read-only streams.
func NewPumpSocket(r io.ReadCloser, w io.Writer, limit int) *PumpSocket {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	s := &PumpSocket{
		r:     r,
		w:     w,
		limit: limit,
		queue: make([]byte, 0, limit),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *PumpSocket) pump() {
	chunk := make([]byte, 512)
	for {
		s.mu.Lock()
		for len(s.queue) >= s.limit && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		room := s.limit - len(s.queue)
		s.mu.Unlock()

		if room > len(chunk) {
			room = len(chunk)
		}
		n, err := s.r.Read(chunk[:room])

		s.mu.Lock()
		if n > 0 && !s.closed {
			s.queue = append(s.queue, chunk[:n]...)
		}
		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) && !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *PumpSocket) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, eris.New("socket is read-only")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	return s.w.Write(p)
}

// Read copies queued bytes into p. It returns 0 and no error when the queue
// is empty, and the stream's terminal error once the queue is drained.
func (s *PumpSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	if len(s.queue) == 0 {
		return 0, s.err
	}
	n := copy(p, s.queue)
	s.queue = append(s.queue[:0], s.queue[n:]...)
	s.cond.Signal()
	return n, nil
}

func (s *PumpSocket) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return len(s.queue)
}

func (s *PumpSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done && !s.closed
}

// Close stops the pump and closes the underlying stream. It is safe to call
// more than once.
func (s *PumpSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = s.queue[:0]
	s.cond.Broadcast()
	s.mu.Unlock()
	return s.r.Close()
}

// NetDialer dials TLS over TCP. The handshake is bounded by
// TLSOptions.HandshakeTimeout independently of any body deadline.
type NetDialer struct {
	QueueLimit int
}

func (d NetDialer) DialTLS(ctx context.Context, host string, port int, opts TLSOptions) (Socket, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			ServerName:         host,
			RootCAs:            opts.RootCAs,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // explicit opt-in
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, eris.Wrapf(err, "tls dial %s:%d", host, port)
	}
	return NewPumpSocket(conn, conn, d.QueueLimit), nil
}
