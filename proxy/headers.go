package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/pb33f/harcap/archive"
)

// hop-by-hop headers that an intermediary must not forward
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHop strips connection-scoped headers, including the ones named by Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// requestHeaders returns the headers as the client sent them plus the forwarding header.
// net/http moves Host out of the header map, so it is put back in front.
func requestHeaders(host string, h http.Header) archive.Headers {
	headers := archive.HeadersFromHTTP(h)
	if host == "" {
		return headers
	}
	return append(archive.Headers{{Name: "Host", Value: host}}, headers...)
}

// addForwardedFor appends the client address to X-Forwarded-For. The capture keeps it, and
// replay uses it to tell browsers apart.
func addForwardedFor(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	if ip == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		ip = strings.Join(prior, ", ") + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
