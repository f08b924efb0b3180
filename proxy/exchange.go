package proxy

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pb33f/harcap/capture"
)

// exchange feeds one proxied exchange into its decoder. The transport reads the request body
// on its own goroutine while the response is handled on the server goroutine, so decoder
// access is serialized here. A capture failure only stops capturing; traffic keeps flowing.
type exchange struct {
	mu      sync.Mutex
	decoder *capture.Decoder
	scheme  capture.Scheme
	logger  *slog.Logger
	failed  bool
}

// newExchange returns nil when capture is paused; every method is a no-op on nil.
func newExchange(decoder *capture.Decoder, scheme capture.Scheme, logger *slog.Logger) *exchange {
	if decoder == nil {
		return nil
	}
	return &exchange{decoder: decoder, scheme: scheme, logger: logger}
}

func (e *exchange) request(ev capture.Event) {
	if e == nil {
		return
	}
	e.feed("request", func() error { return e.decoder.RequestWithScheme(ev, e.scheme) })
}

func (e *exchange) response(ev capture.Event) {
	if e == nil {
		return
	}
	e.feed("response", func() error { return e.decoder.Response(ev) })
}

func (e *exchange) feed(side string, fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return
	}
	if err := fn(); err != nil {
		e.failed = true
		e.logger.Error("failed to capture "+side, "error", err, "exchange", e.decoder.String())
	}
}

func (e *exchange) complete() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decoder.IsComplete()
}

func (e *exchange) hasFailed() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// close discards whatever the decoder still holds for an exchange that never completed.
func (e *exchange) close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.decoder.IsComplete() {
		e.decoder.Destroy()
	}
}

// captureBody forwards request body reads to the exchange as they happen.
type captureBody struct {
	body io.ReadCloser
	ex   *exchange
	done bool
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.done {
		return n, err
	}
	switch {
	case errors.Is(err, io.EOF):
		b.done = true
		b.ex.request(capture.LastChunk{Data: p[:n]})
	case err != nil:
		// a truncated body never completes the request side
		b.done = true
	case n > 0:
		b.ex.request(capture.Chunk{Data: p[:n]})
	}
	return n, err
}

func (b *captureBody) Close() error {
	return b.body.Close()
}
