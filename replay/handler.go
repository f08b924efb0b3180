package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

const (
	// DefaultLatchTimeout bounds how long a blocking request waits for the previous request of
	// the same user.
	DefaultLatchTimeout = 250 * time.Millisecond

	// maxDocumentSize caps the html kept for scraping.
	maxDocumentSize = 8 * 1024 * 1024

	defaultCharset = "iso-8859-1"
)

// ErrNoCapture is returned when a replay request carries no captured exchange.
var ErrNoCapture = errors.New("replay request has no capture")

// ReplayLastChunk is the terminal chunk of a replayed response, annotated with the parsed
// html document when the response was scraped. Document is nil otherwise.
type ReplayLastChunk struct {
	capture.LastChunk
	Document *html.Node
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Logger       *slog.Logger
	LatchTimeout time.Duration
}

// Handler sits between the replay driver and the transport for one exchange. Outbound it
// serializes blocking requests and attaches the user's cookies; inbound it merges Set-Cookie,
// releases the latch and scrapes dynamic form fields from html pages.
type Handler struct {
	logger  *slog.Logger
	timeout time.Duration

	request *Request
	agent   *UserAgent
	target  *url.URL
	method  string
	held    bool

	response *capture.ResponseStart
	scrape   bool
	page     bytes.Buffer
	document *html.Node
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LatchTimeout <= 0 {
		opts.LatchTimeout = DefaultLatchTimeout
	}
	return &Handler{
		logger:  opts.Logger,
		timeout: opts.LatchTimeout,
	}
}

// Write prepares the outbound request. For a persistent user with a blocking request the
// latch is acquired first, which waits until the previous request of the user has its
// response head and cookies. Hidden fields are scraped later, at the end of that response
// body, so they are only seen when the previous page was fully read in time. A latch timeout
// is not an error.
func (h *Handler) Write(ctx context.Context, req *Request) (*http.Request, error) {
	if req == nil || req.Capture == nil {
		return nil, ErrNoCapture
	}
	h.request = req
	h.agent = req.Agent
	h.method = req.Capture.Request().Method

	if h.agent != nil {
		h.agent.requests.Add(1)
		if h.agent.Persistent() && req.Blocking {
			h.held = h.agent.TryAcquireSerialization(h.timeout)
			if !h.held {
				h.logger.Debug("serialization latch timed out, sending without ordering",
					"session", h.agent.Key().String(),
					"timeout", h.timeout)
			}
		}
	}

	out, err := req.build(ctx)
	if err != nil {
		h.Fail(err)
		return nil, err
	}
	h.target = out.URL

	if h.agent != nil {
		var pairs []string
		for _, c := range h.agent.CookiesFor(out.URL) {
			pairs = append(pairs, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
		}
		if len(pairs) > 0 {
			out.Header.Set("Cookie", strings.Join(pairs, "; "))
		}
	}
	return out, nil
}

// Read processes one inbound response event and returns the event to pass downstream.
func (h *Handler) Read(ev capture.Event) (capture.Event, error) {
	switch e := ev.(type) {
	case capture.ResponseStart:
		h.response = &e
		if h.persistent() {
			h.mergeSetCookies(e.Headers)
			h.scrape = h.method == http.MethodGet && isHTML(e.Headers.Get("Content-Type"))
		}
		h.release()
		return ev, nil

	case capture.Chunk:
		if h.response == nil {
			return nil, capture.ErrResponseHeadMissing
		}
		h.accumulate(e.Data)
		return ev, nil

	case capture.LastChunk:
		if h.response == nil {
			return nil, capture.ErrResponseHeadMissing
		}
		h.accumulate(e.Data)
		h.release()
		if h.scrape {
			h.document = h.parseDocument()
			h.page.Reset()
			h.scrape = false
		}
		return ReplayLastChunk{LastChunk: e, Document: h.document}, nil

	default:
		return nil, fmt.Errorf("%w: %T on the response side", capture.ErrUnexpectedEvent, ev)
	}
}

// Fail releases the latch after an error anywhere in the exchange. Safe to call repeatedly.
func (h *Handler) Fail(err error) {
	if h.held {
		h.logger.Debug("releasing serialization latch after failure",
			"session", h.agent.Key().String(),
			"error", err)
	}
	h.release()
	h.scrape = false
	h.page.Reset()
}

// Document returns the parsed page of the exchange, if it was scraped.
func (h *Handler) Document() *html.Node {
	return h.document
}

func (h *Handler) persistent() bool {
	return h.agent != nil && h.agent.Persistent()
}

func (h *Handler) release() {
	if h.held {
		h.agent.ReleaseSerialization()
		h.held = false
	}
}

func (h *Handler) mergeSetCookies(headers archive.Headers) {
	if h.target == nil {
		return
	}
	var cookies []*http.Cookie
	for _, line := range headers.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			h.logger.Debug("ignoring malformed set-cookie", "value", line, "error", err)
			continue
		}
		cookies = append(cookies, c)
	}
	h.agent.MergeCookies(h.target, cookies)
}

func (h *Handler) accumulate(data []byte) {
	if !h.scrape {
		return
	}
	if h.page.Len()+len(data) > maxDocumentSize {
		h.logger.Debug("page too large to scrape", "url", h.target, "limit", maxDocumentSize)
		h.scrape = false
		h.page.Reset()
		return
	}
	h.page.Write(data)
}

// parseDocument decodes the page with its declared charset, or iso-8859-1, and records every
// hidden form input as an override field.
func (h *Handler) parseDocument() *html.Node {
	label := defaultCharset
	if _, params, err := mime.ParseMediaType(h.response.Headers.Get("Content-Type")); err == nil && params["charset"] != "" {
		label = params["charset"]
	}
	enc, _ := charset.Lookup(label)
	if enc == nil {
		enc, _ = charset.Lookup(defaultCharset)
	}

	doc, err := html.Parse(enc.NewDecoder().Reader(bytes.NewReader(h.page.Bytes())))
	if err != nil {
		h.logger.Debug("failed to parse html page", "url", h.target, "error", err)
		return nil
	}

	if fields := HiddenFormFields(doc); len(fields) > 0 {
		h.agent.SetOverrideFields(fields)
	}
	return doc
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/html"
}

// HiddenFormFields returns every named hidden input inside a form, in document order.
func HiddenFormFields(doc *html.Node) []archive.Param {
	var params []archive.Param
	var walk func(n *html.Node, inForm bool)
	walk = func(n *html.Node, inForm bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Form:
				inForm = true
			case atom.Input:
				if inForm && strings.EqualFold(attr(n, "type"), "hidden") {
					if p, err := archive.NewParam(attr(n, "name"), attr(n, "value")); err == nil {
						params = append(params, p)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inForm)
		}
	}
	if doc != nil {
		walk(doc, false)
	}
	return params
}

// DocumentTitle returns the trimmed text of the first <title> element.
func DocumentTitle(doc *html.Node) string {
	var find func(n *html.Node) *html.Node
	find = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := find(c); found != nil {
				return found
			}
		}
		return nil
	}
	if doc == nil {
		return ""
	}
	title := find(doc)
	if title == nil {
		return ""
	}

	var sb strings.Builder
	for c := title.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
