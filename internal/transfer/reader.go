package transfer

import (
	"time"

	"github.com/sells-group/inkfetch/internal/fault"
)

const (
	// DefaultChunkCeiling caps how many bytes one poll iteration reads.
	DefaultChunkCeiling = 1024

	// MaxLineLength bounds status, header and chunk-size lines.
	MaxLineLength = 8192

	pollInterval = time.Millisecond
)

// FragmentFunc consumes one run of received bytes. Returning false cancels
// the transfer. p is only valid for the duration of the call.
type FragmentFunc func(p []byte) bool

// Deadlines bounds a polling read. Overall is measured from Start; Stall is
// the longest allowed gap between two successful reads.
type Deadlines struct {
	Start   time.Time
	Overall time.Duration
	Stall   time.Duration
}

func (d Deadlines) validate() error {
	if d.Overall <= 0 {
		return fault.New(fault.BadArguments, "overall deadline must be positive")
	}
	if d.Stall <= 0 {
		return fault.New(fault.BadArguments, "stall deadline must be positive")
	}
	return nil
}

func (d Deadlines) expired(now time.Time) bool {
	return now.Sub(d.Start) > d.Overall
}

// remaining returns the time left before the overall deadline, capped at limit.
func (d Deadlines) remaining(now time.Time, limit time.Duration) time.Duration {
	left := d.Overall - now.Sub(d.Start)
	if left < 0 {
		left = 0
	}
	if limit > 0 && limit < left {
		return limit
	}
	return left
}

// ReadExact delivers exactly n bytes from sock to fn, one fragment per
// successful read. It fails with Timeout past the overall deadline, Stalled
// when no byte arrives within the stall deadline, ConnectionLost when the
// socket is disconnected with nothing queued, and AbortedByConsumer when fn
// returns false. It returns the number of bytes handed to fn.
func ReadExact(sock Socket, n int64, fn FragmentFunc, dl Deadlines, clk Clock, ceiling int) (int64, error) {
	if sock == nil || fn == nil || clk == nil || n < 0 {
		return 0, fault.New(fault.BadArguments, "read exact: nil socket, callback or clock, or negative length")
	}
	if err := dl.validate(); err != nil {
		return 0, err
	}
	if ceiling <= 0 {
		ceiling = DefaultChunkCeiling
	}
	buf := make([]byte, ceiling)

	var delivered int64
	lastProgress := clk.Now()
	for delivered < n {
		now := clk.Now()
		if dl.expired(now) {
			return delivered, fault.Newf(fault.Timeout, "body read timeout after %s (%d of %d bytes)", dl.Overall, delivered, n)
		}

		avail := sock.Available()
		if avail <= 0 {
			// A TLS socket can report disconnected while records are still
			// queued, so only both signals together mean the peer is gone.
			if !sock.Connected() && sock.Available() <= 0 {
				return delivered, fault.Newf(fault.ConnectionLost, "socket closed early (%d of %d bytes)", delivered, n)
			}
			if now.Sub(lastProgress) > dl.Stall {
				return delivered, fault.Newf(fault.Stalled, "no progress for %s (%d of %d bytes)", dl.Stall, delivered, n)
			}
			clk.Sleep(pollInterval)
			continue
		}

		want := avail
		if want > len(buf) {
			want = len(buf)
		}
		if left := n - delivered; int64(want) > left {
			want = int(left)
		}

		r, err := sock.Read(buf[:want])
		if err != nil {
			return delivered, fault.Wrap(fault.ReadFailed, err, "body read")
		}
		if r == 0 {
			if now.Sub(lastProgress) > dl.Stall {
				return delivered, fault.Newf(fault.Stalled, "no progress for %s (%d of %d bytes)", dl.Stall, delivered, n)
			}
			clk.Sleep(pollInterval)
			continue
		}

		if !fn(buf[:r]) {
			return delivered, fault.Newf(fault.AbortedByConsumer, "aborted by callback after %d bytes", delivered)
		}
		delivered += int64(r)
		lastProgress = clk.Now()
	}
	return delivered, nil
}

// Drain delivers bytes until the socket is neither connected nor holding
// queued data. A stall ends the drain without error: with no declared length
// there is no contract an early end could violate. The overall deadline and
// consumer abort still fail.
func Drain(sock Socket, fn FragmentFunc, dl Deadlines, clk Clock, ceiling int) (int64, error) {
	return drain(sock, fn, dl, clk, ceiling, false)
}

// ReadUntilClose is Drain where only the peer closing ends the body. A stall
// fails with Stalled.
func ReadUntilClose(sock Socket, fn FragmentFunc, dl Deadlines, clk Clock, ceiling int) (int64, error) {
	return drain(sock, fn, dl, clk, ceiling, true)
}

func drain(sock Socket, fn FragmentFunc, dl Deadlines, clk Clock, ceiling int, stallFails bool) (int64, error) {
	if sock == nil || fn == nil || clk == nil {
		return 0, fault.New(fault.BadArguments, "drain: nil socket, callback or clock")
	}
	if err := dl.validate(); err != nil {
		return 0, err
	}
	if ceiling <= 0 {
		ceiling = DefaultChunkCeiling
	}
	buf := make([]byte, ceiling)

	var delivered int64
	lastProgress := clk.Now()
	for sock.Connected() || sock.Available() > 0 {
		now := clk.Now()
		if dl.expired(now) {
			return delivered, fault.Newf(fault.Timeout, "body read timeout after %s (%d bytes)", dl.Overall, delivered)
		}

		avail := sock.Available()
		if avail <= 0 {
			if now.Sub(lastProgress) > dl.Stall {
				if stallFails {
					return delivered, fault.Newf(fault.Stalled, "no progress for %s (%d bytes, length unknown)", dl.Stall, delivered)
				}
				break
			}
			clk.Sleep(pollInterval)
			continue
		}
		if avail > len(buf) {
			avail = len(buf)
		}

		r, err := sock.Read(buf[:avail])
		if err != nil {
			return delivered, fault.Wrap(fault.ReadFailed, err, "body read")
		}
		if r == 0 {
			if now.Sub(lastProgress) > dl.Stall {
				if stallFails {
					return delivered, fault.Newf(fault.Stalled, "no progress for %s (%d bytes, length unknown)", dl.Stall, delivered)
				}
				break
			}
			clk.Sleep(pollInterval)
			continue
		}

		if !fn(buf[:r]) {
			return delivered, fault.Newf(fault.AbortedByConsumer, "aborted by callback after %d bytes", delivered)
		}
		delivered += int64(r)
		lastProgress = clk.Now()
	}
	return delivered, nil
}

// ReadLine polls sock one byte at a time until '\n' and returns the line
// without the '\n' (a trailing '\r' is kept). A partial line is returned
// without error when the timeout or disconnect arrives after at least one
// byte. With nothing read it fails with Timeout or ConnectionLost.
func ReadLine(sock Socket, timeout time.Duration, clk Clock, limit int) (string, error) {
	if sock == nil || clk == nil {
		return "", fault.New(fault.BadArguments, "read line: nil socket or clock")
	}
	if limit <= 0 {
		limit = MaxLineLength
	}

	var (
		line  []byte
		one   [1]byte
		start = clk.Now()
	)
	for {
		if sock.Available() > 0 {
			r, err := sock.Read(one[:])
			if err != nil {
				return "", fault.Wrap(fault.ReadFailed, err, "line read")
			}
			if r == 1 {
				if one[0] == '\n' {
					return string(line), nil
				}
				if len(line) >= limit {
					return "", fault.Newf(fault.ReadFailed, "line exceeds %d bytes", limit)
				}
				line = append(line, one[0])
				continue
			}
		}

		if !sock.Connected() && sock.Available() <= 0 {
			if len(line) > 0 {
				return string(line), nil
			}
			return "", fault.New(fault.ConnectionLost, "socket closed before line")
		}
		if clk.Now().Sub(start) > timeout {
			if len(line) > 0 {
				return string(line), nil
			}
			return "", fault.Newf(fault.Timeout, "no line within %s", timeout)
		}
		clk.Sleep(pollInterval)
	}
}

// pushbackSocket lets the chunk decoder return a byte it read but did not
// consume.
type pushbackSocket struct {
	Socket
	pending []byte
}

func (s *pushbackSocket) unread(b byte) {
	s.pending = append(s.pending, b)
}

func (s *pushbackSocket) Available() int {
	return len(s.pending) + s.Socket.Available()
}

func (s *pushbackSocket) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	return s.Socket.Read(p)
}
