package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// headers are consulted in order; the first one holding a valid address wins.
var headers = []string{
	"X-Client-IP",
	"X-Forwarded-For",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
	"X-Cluster-Client-IP",
	"X-Forwarded",
	"Forwarded-For",
	"Forwarded",
}

// FromRequest resolves the originating client address of r, falling back
// to the connection's remote address.
func FromRequest(r *http.Request) string {
	for _, h := range headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			if ip, ok := FromForwardedFor(v); ok {
				return ip
			}
			continue
		}
		if ip, ok := parse(v); ok {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// FromForwardedFor returns the left-most valid address of an
// X-Forwarded-For list. Entries like "unknown" are skipped and a port
// suffix is tolerated.
func FromForwardedFor(v string) (string, bool) {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if ip, ok := parse(part); ok {
			return ip, true
		}
		if ap, err := netip.ParseAddrPort(part); err == nil {
			return ap.Addr().String(), true
		}
	}
	return "", false
}

func parse(v string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(v))
	if err != nil {
		return "", false
	}
	return addr.String(), true
}
