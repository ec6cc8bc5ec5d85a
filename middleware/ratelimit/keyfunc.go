package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// KeyFunc names the client a request belongs to. An empty result means the
// function could not tell.
type KeyFunc func(r *http.Request) string

// KeyFromHeader uses the trimmed value of the named header.
func KeyFromHeader(name string) KeyFunc {
	return func(r *http.Request) string {
		if name == "" {
			return ""
		}
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// KeyFromForwardedFor uses the first hop of X-Forwarded-For. Only install it
// behind a proxy that overwrites the header.
func KeyFromForwardedFor() KeyFunc {
	return func(r *http.Request) string {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		return strings.TrimSpace(first)
	}
}

// KeyFromRemoteAddr uses the host part of the peer address, or the whole
// address when it has no port.
func KeyFromRemoteAddr() KeyFunc {
	return func(r *http.Request) string {
		addr := strings.TrimSpace(r.RemoteAddr)
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			return host
		}
		return addr
	}
}

// FirstKey returns the first non-empty key among fns, or "unknown".
func FirstKey(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if k := fn(r); k != "" {
				return k
			}
		}
		return "unknown"
	}
}

// DefaultKeyFunc tries keyHeader, then X-Forwarded-For when trustXFF is set,
// then the peer address.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	fns := []KeyFunc{KeyFromHeader(keyHeader)}
	if trustXFF {
		fns = append(fns, KeyFromForwardedFor())
	}
	fns = append(fns, KeyFromRemoteAddr())
	return FirstKey(fns...)
}
