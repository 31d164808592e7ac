package transfer

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sells-group/inkfetch/internal/fault"
)

const (
	SchemeHTTPS = "https"
	SchemeHTTP  = "http"
)

// Target is a parsed transfer URL.
type Target struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ParseTarget parses scheme://host[:port]/path. Only http and https are
// accepted; ports default to 80 and 443 and the path defaults to "/". The
// query string stays part of the path.
func ParseTarget(rawURL string) (Target, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Target{}, fault.New(fault.MalformedURL, "empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, fault.Wrap(fault.MalformedURL, err, "parse url")
	}

	t := Target{Scheme: strings.ToLower(u.Scheme)}
	switch t.Scheme {
	case SchemeHTTPS:
		t.Port = 443
	case SchemeHTTP:
		t.Port = 80
	default:
		return Target{}, fault.Newf(fault.MalformedURL, "unsupported scheme %q", u.Scheme)
	}

	t.Host = u.Hostname()
	if t.Host == "" {
		return Target{}, fault.Newf(fault.MalformedURL, "missing host in %q", rawURL)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fault.Newf(fault.MalformedURL, "invalid port %q", p)
		}
		t.Port = port
	} else if strings.HasSuffix(u.Host, ":") {
		return Target{}, fault.Newf(fault.MalformedURL, "empty port in %q", rawURL)
	}

	t.Path = u.RequestURI()
	if u.Opaque != "" || !strings.HasPrefix(t.Path, "/") {
		return Target{}, fault.Newf(fault.MalformedURL, "invalid path in %q", rawURL)
	}
	return t, nil
}

// DefaultPort reports whether Port is the scheme's default.
func (t Target) DefaultPort() bool {
	return (t.Scheme == SchemeHTTPS && t.Port == 443) || (t.Scheme == SchemeHTTP && t.Port == 80)
}

// HostHeader is the Host request header value: the host, plus the port when
// it is not the scheme default.
func (t Target) HostHeader() string {
	if t.DefaultPort() {
		return t.Host
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Scheme + "://" + t.HostHeader() + t.Path
}
