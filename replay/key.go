package replay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pb33f/harcap/archive"
)

// Key identifies a virtual user. It is used to pick the session store shard and as the
// UserAgent key.
type Key uint64

// KeyOf hashes the identifying parts of a virtual user. Parts are separated so that
// ("ab", "c") and ("a", "bc") produce different keys.
func KeyOf(parts ...string) Key {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return Key(d.Sum64())
}

// KeyForRequest derives the virtual user of a captured request. The client address recorded at
// capture time, together with the user agent string, stays the same for a whole browser
// session, including the requests sent before the server handed out a session cookie, so it
// wins. Without a recorded address the value of the sessionCookie cookie identifies the user,
// and as a last resort the user agent string alone.
func KeyForRequest(req archive.RequestHead, sessionCookie string) Key {
	userAgent := req.Headers.Get("User-Agent")
	if addr := clientAddress(req.Headers); addr != "" {
		return KeyOf("client", userAgent, addr)
	}
	if sessionCookie != "" {
		for _, line := range req.Headers.Values("Cookie") {
			cookies, err := http.ParseCookie(line)
			if err != nil {
				continue
			}
			for _, c := range cookies {
				if c.Name == sessionCookie && c.Value != "" {
					return KeyOf("cookie", c.Name, c.Value)
				}
			}
		}
	}
	return KeyOf("agent", userAgent)
}

// clientAddress is the originating client of a request: the first X-Forwarded-For hop, which
// the capture proxy records, or X-Real-Ip.
func clientAddress(h archive.Headers) string {
	if fwd := h.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return h.Get("X-Real-Ip")
}

func (k Key) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}
