package transfer

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inkfetch/internal/fault"
)

// responseHead is the parsed status line and the headers the client acts on.
type responseHead struct {
	StatusLine    string
	StatusCode    int
	ContentLength int64
	ContentType   string
	Chunked       bool
	Location      string
}

func (h responseHead) framing() Framing {
	switch {
	case h.Chunked:
		return FramingChunked
	case h.ContentLength >= 0:
		return FramingLength
	default:
		return FramingClose
	}
}

func (h responseHead) redirect() bool {
	switch h.StatusCode {
	case 301, 302, 303, 307, 308:
		return h.Location != ""
	default:
		return false
	}
}

func (h responseHead) success() bool {
	return h.StatusCode >= 200 && h.StatusCode < 300
}

// buildRequest renders the GET request. Connection: close is always sent so
// a response without a declared length ends when the server closes.
func buildRequest(t Target, userAgent string, extra []Header) []byte {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(t.Path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(t.HostHeader())
	b.WriteString("\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Accept-Encoding: identity\r\n")
	b.WriteString("User-Agent: ")
	b.WriteString(userAgent)
	b.WriteString("\r\n")
	for _, h := range extra {
		name := strings.TrimSpace(h.Name)
		if name == "" || strings.ContainsAny(name, ":\r\n") || strings.ContainsAny(h.Value, "\r\n") {
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(h.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// parseStatusLine validates "HTTP/x.y <code> [reason]" and returns the code
// taken from the second whitespace-delimited token.
func parseStatusLine(line string) (int, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fault.New(fault.NoStatusLine, "empty status line")
	}
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, fault.Newf(fault.MalformedStatusLine, "bad status line %q", line)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fault.Newf(fault.MalformedStatusLine, "missing status code in %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, fault.Newf(fault.MalformedStatusLine, "bad status code %q", fields[1])
	}
	return code, nil
}

// applyHeader folds one header line into h. Lines without a colon are
// ignored. It reports false when the line is the empty terminator.
func (h *responseHead) applyHeader(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return true
	}
	key := strings.ToLower(strings.TrimSpace(line[:colon]))
	val := strings.TrimSpace(line[colon+1:])

	switch key {
	case "content-length":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
			h.ContentLength = n
		}
	case "content-type":
		h.ContentType = val
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(val), "chunked") {
			h.Chunked = true
		}
	case "location":
		h.Location = val
	}
	return true
}

// parseChunkSize reads the hex size from a chunk-size line, ignoring chunk
// extensions.
func parseChunkSize(line string) (int64, error) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return 0, eris.New("empty chunk size")
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "bad chunk size %q", line)
	}
	if n < 0 {
		return 0, eris.Errorf("negative chunk size %q", line)
	}
	return n, nil
}
