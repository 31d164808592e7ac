package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/inkfetch/internal/fault"
	"github.com/sells-group/inkfetch/internal/transfer"
)

// AttemptError carries a failed transfer through Do and the breaker so the
// caller can still inspect the last outcome.
type AttemptError struct {
	Outcome transfer.Outcome
}

func (e *AttemptError) Error() string {
	if d := e.Outcome.Description(); d != "" {
		return d
	}
	return e.Outcome.Kind.String()
}

func (e *AttemptError) Unwrap() error {
	return e.Outcome.Err
}

// OutcomeErr returns nil for a successful outcome and an *AttemptError
// otherwise.
func OutcomeErr(out transfer.Outcome) error {
	if out.OK {
		return nil
	}
	return &AttemptError{Outcome: out}
}

// IsTransient reports whether a failed transfer or error is worth another
// attempt. Classified faults decide by kind; a non-success status is
// transient only for the retryable HTTP codes. Unclassified errors fall back
// to network error checks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ae *AttemptError
	if errors.As(err, &ae) {
		if ae.Outcome.Kind == fault.NonSuccessStatus {
			return IsTransientHTTPStatus(ae.Outcome.StatusCode)
		}
		if ae.Outcome.Kind != fault.None {
			return ae.Outcome.Kind.Transient()
		}
	}

	if k := fault.KindOf(err); k != fault.None {
		return k.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status indicates an origin
// problem that may clear on its own.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify names the failure class recorded in status lines.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
