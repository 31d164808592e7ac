package transfer

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// delivery is a run of bytes that becomes readable at a given offset from
// the socket's creation.
type delivery struct {
	at   time.Duration
	data []byte
}

// scriptSocket replays deliveries against a fakeClock. It can be told to
// report disconnected from closeAt onwards while still holding queued bytes.
type scriptSocket struct {
	clk     *fakeClock
	start   time.Time
	script  []delivery
	queue   []byte
	closeAt time.Duration // < 0 means never
	written bytes.Buffer
	closed  bool
	readErr error
}

func newScriptSocket(clk *fakeClock, closeAt time.Duration, script ...delivery) *scriptSocket {
	return &scriptSocket{clk: clk, start: clk.Now(), script: script, closeAt: closeAt}
}

// immediate delivers data at t=0 and closes once everything is queued.
func immediate(clk *fakeClock, data string) *scriptSocket {
	return newScriptSocket(clk, 0, delivery{data: []byte(data)})
}

func (s *scriptSocket) advance() {
	elapsed := s.clk.Now().Sub(s.start)
	for len(s.script) > 0 && s.script[0].at <= elapsed {
		s.queue = append(s.queue, s.script[0].data...)
		s.script = s.script[1:]
	}
}

func (s *scriptSocket) Write(p []byte) (int, error) { return s.written.Write(p) }

func (s *scriptSocket) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	s.advance()
	n := copy(p, s.queue)
	s.queue = s.queue[n:]
	return n, nil
}

func (s *scriptSocket) Available() int {
	if s.closed {
		return 0
	}
	s.advance()
	return len(s.queue)
}

func (s *scriptSocket) Connected() bool {
	if s.closed {
		return false
	}
	if s.closeAt < 0 {
		return true
	}
	return s.clk.Now().Sub(s.start) < s.closeAt
}

func (s *scriptSocket) Close() error {
	s.closed = true
	return nil
}

// scriptDialer hands out a prepared socket.
type scriptDialer struct {
	sock *scriptSocket
	err  error
	got  TLSOptions
	host string
	port int
}

func (d *scriptDialer) DialTLS(_ context.Context, host string, port int, opts TLSOptions) (Socket, error) {
	d.host, d.port, d.got = host, port, opts
	if d.err != nil {
		return nil, d.err
	}
	return d.sock, nil
}

// collector accumulates fragments.
type collector struct {
	data      []byte
	fragments int
	limit     int // abort once more than limit bytes were seen; 0 means never
}

func (c *collector) fn(p []byte) bool {
	c.fragments++
	c.data = append(c.data, p...)
	return c.limit == 0 || len(c.data) <= c.limit
}
