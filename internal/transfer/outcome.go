package transfer

import (
	"time"

	"github.com/sells-group/inkfetch/internal/fault"
)

// Framing is how the end of a response body is determined.
type Framing int

const (
	FramingUnknown Framing = iota
	FramingLength
	FramingChunked
	FramingClose
)

func (f Framing) String() string {
	switch f {
	case FramingLength:
		return "length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "close"
	default:
		return "unknown"
	}
}

// Header is one extra request header.
type Header struct {
	Name  string
	Value string
}

// Request is one transfer. It is not modified once the transfer starts.
type Request struct {
	ID         string
	Target     Target
	Headers    []Header
	OnFragment FragmentFunc
	Overall    time.Duration
}

// Outcome is the single result of a transfer, whichever client ran it.
// StatusCode is 0 when no status line was parsed and -1 when the transport
// could not be established. ContentLength is -1 when not declared.
type Outcome struct {
	ID            string
	URL           string
	Scheme        string
	OK            bool
	StatusCode    int
	Kind          fault.Kind
	Err           error
	ContentType   string
	ContentLength int64
	Location      string
	Framing       Framing
	Delivered     int64
	Started       time.Time
	Elapsed       time.Duration
}

func newOutcome(req Request, started time.Time) Outcome {
	return Outcome{
		ID:            req.ID,
		URL:           req.Target.String(),
		Scheme:        req.Target.Scheme,
		ContentLength: -1,
		Started:       started,
	}
}

// Description is the free-form error text, empty on success.
func (o Outcome) Description() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// fail records the first failure. The kind comes from err when classified.
func (o Outcome) fail(kind fault.Kind, err error) Outcome {
	if k := fault.KindOf(err); k != fault.None {
		kind = k
	}
	if err == nil {
		err = fault.New(kind, kind.String())
	}
	o.OK = false
	o.Kind = kind
	o.Err = err
	return o
}

func (o Outcome) succeed() Outcome {
	o.OK = true
	o.Kind = fault.None
	o.Err = nil
	return o
}

func (o Outcome) finish(clk Clock) Outcome {
	o.Elapsed = clk.Now().Sub(o.Started)
	return o
}
