package fault

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := New(Stalled, "no progress for 8s")
	wrapped := eris.Wrap(base, "read chunk")

	assert.Equal(t, Stalled, KindOf(wrapped))
	assert.True(t, Is(wrapped, Stalled))
	assert.False(t, Is(wrapped, Timeout))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, None, KindOf(errors.New("plain")))
	assert.Equal(t, None, KindOf(nil))
	assert.False(t, Is(nil, None))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(TransportConnectFailed, cause, "tls dial")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transport_connect_failed")
	assert.Contains(t, err.Error(), "tls dial")
}

func TestWrap_NilCause(t *testing.T) {
	err := Wrap(BadArguments, nil, "nil callback")
	assert.Equal(t, BadArguments, err.Kind)
	assert.Contains(t, err.Error(), "nil callback")
}

func TestKindStringRoundTrip(t *testing.T) {
	for k := None; k <= IncompleteData; k++ {
		assert.Equal(t, k, ParseKind(k.String()), "kind %d", int(k))
	}
	assert.Equal(t, "unknown", Kind(999).String())
	assert.Equal(t, None, ParseKind("nonsense"))
}

func TestTransient(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Stalled, true},
		{Timeout, true},
		{ConnectionLost, true},
		{TransportConnectFailed, true},
		{BadMagic, false},
		{DimensionMismatch, false},
		{RedirectNotHandled, false},
		{AbortedByConsumer, false},
		{NonSuccessStatus, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Transient())
		})
	}
}
