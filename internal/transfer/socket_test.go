package transfer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPumpSocket_QueuesThenDisconnects(t *testing.T) {
	sock := NewPumpSocket(io.NopCloser(strings.NewReader("hello")), nil, 0)
	defer sock.Close() //nolint:errcheck

	require.Eventually(t, func() bool { return !sock.Connected() }, time.Second, time.Millisecond)
	// Disconnected, but the bytes are still queued.
	assert.Equal(t, 5, sock.Available())

	buf := make([]byte, 3)
	n, err := sock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))
	assert.Equal(t, 2, sock.Available())

	n, err = sock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(buf[:n]))

	n, err = sock.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPumpSocket_BoundedQueue(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10000)
	sock := NewPumpSocket(io.NopCloser(bytes.NewReader(data)), nil, 1000)
	defer sock.Close() //nolint:errcheck

	require.Eventually(t, func() bool { return sock.Available() == 1000 }, time.Second, time.Millisecond)
	assert.True(t, sock.Connected())

	total := 0
	buf := make([]byte, 700)
	deadline := time.Now().Add(2 * time.Second)
	for total < len(data) && time.Now().Before(deadline) {
		n, err := sock.Read(buf)
		require.NoError(t, err)
		total += n
		assert.LessOrEqual(t, sock.Available(), 1000)
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	assert.Equal(t, len(data), total)
}

func TestPumpSocket_ReadError(t *testing.T) {
	boom := errors.New("reset by peer")
	r, w := io.Pipe()
	sock := NewPumpSocket(r, nil, 0)
	defer sock.Close() //nolint:errcheck

	_ = w.CloseWithError(boom)
	require.Eventually(t, func() bool { return !sock.Connected() }, time.Second, time.Millisecond)

	_, err := sock.Read(make([]byte, 4))
	assert.ErrorIs(t, err, boom)
}

func TestPumpSocket_Close(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close() //nolint:errcheck
	sock := NewPumpSocket(r, w, 0)

	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())
	assert.False(t, sock.Connected())
	assert.Zero(t, sock.Available())

	_, err := sock.Read(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = sock.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestPumpSocket_ReadOnlyWrite(t *testing.T) {
	sock := NewPumpSocket(io.NopCloser(strings.NewReader("")), nil, 0)
	defer sock.Close() //nolint:errcheck

	_, err := sock.Write([]byte("x"))
	assert.Error(t, err)
}
