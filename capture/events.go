package capture

import "github.com/pb33f/harcap/archive"

// Event is one piece of an HTTP message as the transport delivers it: a head, a body chunk,
// or the terminal chunk.
type Event interface {
	event()
}

// RequestStart carries the request line and headers. Target is the request-target as it was
// received, which may be relative.
type RequestStart struct {
	Method  string
	Target  string
	Proto   string
	Headers archive.Headers
}

// ResponseStart carries the status line and headers.
type ResponseStart struct {
	StatusCode int
	Reason     string
	Proto      string
	Headers    archive.Headers
}

// Chunk is a body fragment. Data must not be retained by the producer after delivery.
type Chunk struct {
	Data []byte
}

// LastChunk terminates a message body and may carry the final bytes.
type LastChunk struct {
	Data []byte
}

func (RequestStart) event()  {}
func (ResponseStart) event() {}
func (Chunk) event()         {}
func (LastChunk) event()     {}

// Scheme is the URI scheme the exchange arrived on.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// DefaultPort returns the port implied by the scheme.
func (s Scheme) DefaultPort() string {
	if s == SchemeHTTPS {
		return "443"
	}
	return "80"
}
