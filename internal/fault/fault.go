// Package fault defines the failure taxonomy shared by the transfer layer and
// the bitmap decoder.
package fault

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Kind classifies a transfer or decode failure.
type Kind int

const (
	None Kind = iota
	BadArguments
	NotConnected
	MalformedURL
	TransportConnectFailed
	NoStatusLine
	MalformedStatusLine
	HeaderReadTimeout
	RedirectNotHandled
	NonSuccessStatus
	Timeout
	Stalled
	ConnectionLost
	ReadFailed
	AbortedByConsumer
	Busy

	// Decoder failures.
	BadMagic
	DimensionMismatch
	BufferTooSmall
	TokenTooLong
	IncompleteData
)

var kindNames = map[Kind]string{
	None:                   "none",
	BadArguments:           "bad_arguments",
	NotConnected:           "not_connected",
	MalformedURL:           "malformed_url",
	TransportConnectFailed: "transport_connect_failed",
	NoStatusLine:           "no_status_line",
	MalformedStatusLine:    "malformed_status_line",
	HeaderReadTimeout:      "header_read_timeout",
	RedirectNotHandled:     "redirect_not_handled",
	NonSuccessStatus:       "non_success_status",
	Timeout:                "timeout",
	Stalled:                "stalled",
	ConnectionLost:         "connection_lost",
	ReadFailed:             "read_failed",
	AbortedByConsumer:      "aborted_by_consumer",
	Busy:                   "busy",
	BadMagic:               "bad_magic",
	DimensionMismatch:      "dimension_mismatch",
	BufferTooSmall:         "buffer_too_small",
	TokenTooLong:           "token_too_long",
	IncompleteData:         "incomplete_data",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String. Unknown names map to None.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return None
}

// Transient reports whether a failure of this kind may succeed on a later
// attempt without any change on the caller's side.
func (k Kind) Transient() bool {
	switch k {
	case NotConnected,
		TransportConnectFailed,
		NoStatusLine,
		HeaderReadTimeout,
		Timeout,
		Stalled,
		ConnectionLost,
		ReadFailed,
		Busy:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Err carries the underlying cause or message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: eris.New(msg)}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: eris.Errorf(format, args...)}
}

// Wrap classifies err, adding context. A nil err yields a plain message.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Err: eris.Wrap(err, msg)}
}

// KindOf returns the kind of the first *Error in err's chain, or None.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return None
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
