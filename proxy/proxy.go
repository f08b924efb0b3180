package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
)

const copyChunkSize = 32 * 1024

// Options configures a capturing Proxy.
type Options struct {
	// Target receives every proxied request: its scheme, host and path prefix replace the ones
	// the client used. Nil forwards absolute-form requests to their own host.
	Target *url.URL

	// Writer persists completed captures. Required.
	Writer capture.Writer

	// SpoolDir holds uploads while they are decoded.
	SpoolDir string

	// Transport performs the upstream round trip. Redirects are never followed.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Stats counts proxied exchanges.
type Stats struct {
	Exchanges      int64 `json:"exchanges"`
	Captured       int64 `json:"captured"`
	CaptureErrors  int64 `json:"captureErrors"`
	UpstreamErrors int64 `json:"upstreamErrors"`
	Paused         bool  `json:"paused"`
}

// Proxy is an http.Handler that forwards traffic to an upstream and records every exchange
// through a capture.Decoder. Capture problems are logged and never affect the forwarded
// traffic.
type Proxy struct {
	target    *url.URL
	writer    capture.Writer
	spoolDir  string
	transport http.RoundTripper
	logger    *slog.Logger
	bufPool   sync.Pool

	paused         atomic.Bool
	exchanges      atomic.Int64
	captured       atomic.Int64
	captureErrors  atomic.Int64
	upstreamErrors atomic.Int64
}

func New(opts Options) (*Proxy, error) {
	if opts.Writer == nil {
		return nil, errors.New("proxy requires a capture writer")
	}
	if opts.Target != nil && (opts.Target.Scheme == "" || opts.Target.Host == "") {
		return nil, fmt.Errorf("proxy target %q must be an absolute url", opts.Target.String())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		transport.MaxIdleConns = 100
		transport.IdleConnTimeout = 90 * time.Second
		opts.Transport = transport
	}

	return &Proxy{
		target:    opts.Target,
		writer:    opts.Writer,
		spoolDir:  opts.SpoolDir,
		transport: opts.Transport,
		logger:    opts.Logger,
		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, copyChunkSize)
				return &buf
			},
		},
	}, nil
}

// Pause stops capturing new exchanges. Traffic is still forwarded.
func (p *Proxy) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Info("capture paused")
	}
}

// Resume starts capturing again.
func (p *Proxy) Resume() {
	if p.paused.Swap(false) {
		p.logger.Info("capture resumed")
	}
}

func (p *Proxy) Paused() bool {
	return p.paused.Load()
}

func (p *Proxy) Stats() Stats {
	return Stats{
		Exchanges:      p.exchanges.Load(),
		Captured:       p.captured.Load(),
		CaptureErrors:  p.captureErrors.Load(),
		UpstreamErrors: p.upstreamErrors.Load(),
		Paused:         p.paused.Load(),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.exchanges.Add(1)

	scheme := capture.SchemeHTTP
	if r.TLS != nil {
		scheme = capture.SchemeHTTPS
	}

	var decoder *capture.Decoder
	if !p.paused.Load() {
		decoder = capture.NewDecoder(p.writer, capture.DecoderOptions{Logger: p.logger, SpoolDir: p.spoolDir})
	}
	ex := newExchange(decoder, scheme, p.logger)
	defer func() {
		ex.close()
		switch {
		case ex.complete():
			p.captured.Add(1)
		case ex.hasFailed():
			p.captureErrors.Add(1)
		}
	}()

	out := r.Clone(r.Context())
	addForwardedFor(out.Header, r.RemoteAddr)

	ex.request(capture.RequestStart{
		Method:  r.Method,
		Target:  r.RequestURI,
		Proto:   r.Proto,
		Headers: requestHeaders(r.Host, out.Header),
	})

	target, err := p.rewrite(r, scheme)
	if err != nil {
		p.logger.Warn("cannot route request", "target", r.RequestURI, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	removeHopByHop(out.Header)

	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		out.Body = http.NoBody
		out.ContentLength = 0
		ex.request(capture.LastChunk{})
	} else {
		out.Body = &captureBody{body: r.Body, ex: ex}
	}

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.upstreamErrors.Add(1)
		p.logger.Warn("upstream request failed", "method", r.Method, "url", target.String(), "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	ex.response(responseStart(resp))

	removeHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	p.copyResponse(w, resp.Body, ex)

	p.logger.Debug("proxied",
		"method", r.Method,
		"url", target.String(),
		"status", resp.StatusCode,
		"captured", ex.complete())
}

// copyResponse streams the upstream body to the client and into the exchange. The response
// side only completes when the whole body reached the client.
func (p *Proxy) copyResponse(w http.ResponseWriter, body io.Reader, ex *exchange) {
	bufPtr := p.bufPool.Get().(*[]byte)
	defer p.bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				p.logger.Debug("client went away", "error", err)
				return
			}
		}
		if errors.Is(readErr, io.EOF) {
			ex.response(capture.LastChunk{Data: buf[:n]})
			return
		}
		if readErr != nil {
			p.logger.Warn("upstream body failed", "error", readErr)
			return
		}
		if n > 0 {
			ex.response(capture.Chunk{Data: buf[:n]})
		}
	}
}

// rewrite computes the upstream URL: the configured target's scheme and host with the
// request's path and query appended to the target path.
func (p *Proxy) rewrite(r *http.Request, scheme capture.Scheme) (*url.URL, error) {
	u := &url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if u.Path == "" {
		u.Path = "/"
	}

	switch {
	case p.target != nil:
		u.Scheme = p.target.Scheme
		u.Host = p.target.Host
		if prefix := strings.TrimSuffix(p.target.Path, "/"); prefix != "" {
			u.Path = prefix + u.Path
		}
	case r.URL.IsAbs():
		u.Scheme = r.URL.Scheme
		u.Host = r.URL.Host
	case r.Host != "":
		u.Scheme = string(scheme)
		u.Host = r.Host
	default:
		return nil, errors.New("request has no host")
	}
	return u, nil
}

func responseStart(resp *http.Response) capture.ResponseStart {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	return capture.ResponseStart{
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Proto:      resp.Proto,
		Headers:    archive.HeadersFromHTTP(resp.Header),
	}
}
