package capture

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pb33f/harcap/archive"
)

type sideState int

const (
	awaitingHead sideState = iota
	receivingBody
	sideComplete
)

func (s sideState) String() string {
	switch s {
	case awaitingHead:
		return "awaiting-head"
	case receivingBody:
		return "receiving-body"
	case sideComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type bodyMode int

const (
	bodyIgnored bodyMode = iota
	bodyText
	bodyFields
	bodyBinary
	bodyUnsupported
)

// methods whose bodies are decoded
var postDecodeMethods = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// Logger receives decoder diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock used for the capture start time. Defaults to time.Now.
	Now func() time.Time

	// SpoolDir holds uploads while they are decoded. Defaults to os.TempDir().
	SpoolDir string
}

// Decoder reassembles one request/response exchange from proxy events and hands the completed
// capture to a Writer exactly once. A Decoder belongs to a single exchange and is not safe for
// concurrent use; the transport delivers events for an exchange in order.
type Decoder struct {
	writer   Writer
	logger   *slog.Logger
	now      func() time.Time
	spoolDir string

	started  int64
	request  *archive.RequestHead
	mode     bodyMode
	content  *bytes.Buffer
	fields   fieldDecoder
	params   []archive.Param
	response *archive.ResponseHead

	requestState  sideState
	responseState sideState

	complete     bool
	destroyed    bool
	failure      error
	warnedBinary bool
}

// NewDecoder creates a decoder for one exchange.
func NewDecoder(writer Writer, opts DecoderOptions) *Decoder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Decoder{
		writer:   writer,
		logger:   opts.Logger,
		now:      opts.Now,
		spoolDir: opts.SpoolDir,
	}
}

// Request consumes a request-side event for an exchange received over plain http.
func (d *Decoder) Request(ev Event) error {
	return d.RequestWithScheme(ev, SchemeHTTP)
}

// RequestWithScheme consumes a request-side event. The scheme is used to make relative
// request targets absolute.
func (d *Decoder) RequestWithScheme(ev Event, scheme Scheme) error {
	if err := d.usable(); err != nil {
		return err
	}

	switch e := ev.(type) {
	case RequestStart:
		if d.requestState != awaitingHead {
			return fmt.Errorf("%w: duplicate request head", ErrUnexpectedEvent)
		}
		rawURL, err := absoluteURL(e.Target, scheme, e.Headers.Get("Host"))
		if err != nil {
			return err
		}
		d.started = d.now().UnixMilli()
		d.request = &archive.RequestHead{
			Method:  e.Method,
			URL:     rawURL,
			Proto:   e.Proto,
			Headers: e.Headers.Clone(),
		}
		d.mode = classifyBody(e.Method, d.request.Headers.Get("Content-Type"))
		d.requestState = receivingBody

	case Chunk:
		if err := d.requestBody(e.Data, false); err != nil {
			return err
		}

	case LastChunk:
		if err := d.requestBody(e.Data, true); err != nil {
			return err
		}
		d.requestState = sideComplete

	default:
		return fmt.Errorf("%w: %T on the request side", ErrUnexpectedEvent, ev)
	}

	return d.writeIfComplete()
}

func (d *Decoder) requestBody(data []byte, last bool) error {
	if d.request == nil {
		return ErrRequestHeadMissing
	}
	if d.requestState == sideComplete {
		return fmt.Errorf("%w: request body after its last chunk", ErrUnexpectedEvent)
	}

	switch d.mode {
	case bodyText:
		if d.content == nil {
			d.content = &bytes.Buffer{}
		}
		d.content.Write(data)

	case bodyFields:
		if d.fields == nil {
			fields, err := newFieldDecoder(d.request.Headers.Get("Content-Type"), d.spoolDir)
			if err != nil {
				return d.fail(err)
			}
			d.fields = fields
			d.params = make([]archive.Param, 0)
		}
		if err := d.fields.offer(data, last); err != nil {
			return d.fail(fmt.Errorf("decode %s body: %w", d.request.ContentType(), err))
		}
		if err := d.readAvailableFields(); err != nil {
			return d.fail(err)
		}

	case bodyBinary:
		if !d.warnedBinary {
			d.logger.Warn("request body media type is not decoded",
				"media_type", d.request.ContentType(),
				"method", d.request.Method,
				"url", d.request.URL)
			d.warnedBinary = true
		}

	case bodyUnsupported:
		return d.fail(&UnsupportedMediaTypeError{
			MediaType: d.request.Headers.Get("Content-Type"),
			Method:    d.request.Method,
			URL:       d.request.URL,
		})
	}

	return nil
}

// readAvailableFields drains every field the decoder has finished. Uploads are handed to the
// writer and their spool file removed whether or not the write succeeds.
func (d *Decoder) readAvailableFields() error {
	for {
		f, ok := d.fields.next()
		if !ok {
			return nil
		}

		var (
			param archive.Param
			err   error
		)
		if f.upload != nil {
			if err := d.forwardUpload(f); err != nil {
				return err
			}
			param, err = archive.NewUploadParam(f.name, f.fileName, f.contentType)
		} else {
			param, err = archive.NewParam(f.name, f.value)
		}
		if err != nil {
			return err
		}
		d.params = append(d.params, param)
	}
}

func (d *Decoder) forwardUpload(f field) error {
	defer func() {
		if err := f.upload.remove(); err != nil {
			d.logger.Debug("failed to remove spooled upload", "path", f.upload.path, "error", err)
		}
	}()

	file, err := f.upload.open()
	if err != nil {
		return fmt.Errorf("open spooled upload %s: %w", f.fileName, err)
	}
	defer file.Close()

	upload := Upload{
		Name:        f.name,
		FileName:    f.fileName,
		ContentType: f.contentType,
		Size:        f.upload.size,
		Content:     file,
	}
	if err := d.writer.WriteUpload(upload, d.started); err != nil {
		return fmt.Errorf("write upload %s: %w", f.fileName, err)
	}
	return nil
}

// Response consumes a response-side event. Response body bytes are not retained.
func (d *Decoder) Response(ev Event) error {
	if err := d.usable(); err != nil {
		return err
	}

	switch e := ev.(type) {
	case ResponseStart:
		if d.responseState != awaitingHead {
			return fmt.Errorf("%w: duplicate response head", ErrUnexpectedEvent)
		}
		d.response = &archive.ResponseHead{
			StatusCode: e.StatusCode,
			Reason:     e.Reason,
			Proto:      e.Proto,
			Headers:    e.Headers.Clone(),
		}
		d.responseState = receivingBody

	case Chunk:
		if err := d.responseBody(); err != nil {
			return err
		}

	case LastChunk:
		if err := d.responseBody(); err != nil {
			return err
		}
		d.responseState = sideComplete

	default:
		return fmt.Errorf("%w: %T on the response side", ErrUnexpectedEvent, ev)
	}

	return d.writeIfComplete()
}

func (d *Decoder) responseBody() error {
	if d.response == nil {
		return ErrResponseHeadMissing
	}
	if d.responseState == sideComplete {
		return fmt.Errorf("%w: response body after its last chunk", ErrUnexpectedEvent)
	}
	return nil
}

// writeIfComplete emits the capture once both sides are complete. Depending on the server the
// response may finish before the request body has been fully received, so either side can
// trigger emission.
func (d *Decoder) writeIfComplete() error {
	if d.requestState != sideComplete || d.responseState != sideComplete {
		return nil
	}
	if d.request == nil {
		return ErrRequestHeadMissing
	}
	if d.response == nil {
		return ErrResponseHeadMissing
	}

	var (
		captured *archive.CaptureRequest
		err      error
	)
	switch {
	case d.content != nil:
		text := strings.ToValidUTF8(d.content.String(), "�")
		captured, err = archive.NewTextCaptureRequest(d.started, *d.request, *d.response, text)
	case d.fields != nil:
		captured, err = archive.NewParamsCaptureRequest(d.started, *d.request, *d.response, d.params)
	default:
		captured, err = archive.NewCaptureRequest(d.started, *d.request, *d.response)
	}
	d.release()
	d.complete = true
	if err != nil {
		return fmt.Errorf("build capture: %w", err)
	}

	if err := d.writer.WriteAsync(captured); err != nil {
		return fmt.Errorf("write capture %s %s: %w", d.request.Method, d.request.URL, err)
	}
	return nil
}

// IsComplete reports whether the exchange has been emitted.
func (d *Decoder) IsComplete() bool {
	return d.complete
}

// Destroy releases decoder resources without emitting anything. Safe to call more than once
// and after completion.
func (d *Decoder) Destroy() {
	d.release()
	d.destroyed = true
}

func (d *Decoder) usable() error {
	switch {
	case d.destroyed:
		return ErrDestroyed
	case d.failure != nil:
		return d.failure
	case d.complete:
		return ErrCaptureComplete
	}
	return nil
}

// fail stops decoding for the exchange; every later event returns the same error.
func (d *Decoder) fail(err error) error {
	d.failure = err
	d.release()
	return err
}

func (d *Decoder) release() {
	if d.fields != nil {
		d.fields.destroy()
	}
	d.content = nil
}

func (d *Decoder) String() string {
	var method, target string
	if d.request != nil {
		method, target = d.request.Method, d.request.URL
	}
	return fmt.Sprintf("Decoder{started=%d, method=%s, url=%s, request=%s, response=%s, params=%d, complete=%t}",
		d.started, method, target, d.requestState, d.responseState, len(d.params), d.complete)
}

// absoluteURL makes a request target absolute. Proxies usually receive absolute-form targets,
// but a reverse proxy receives origin-form targets that only make sense with the Host header.
func absoluteURL(target string, scheme Scheme, host string) (string, error) {
	if target == "" {
		target = "/"
	}

	var raw string
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		raw = target
	} else {
		if host == "" {
			return "", &MalformedTargetError{Target: target, Err: errors.New("relative target without a Host header")}
		}
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		raw = string(scheme) + "://" + host + target
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &MalformedTargetError{Target: target, Err: err}
	}
	if u.Hostname() == "" {
		return "", &MalformedTargetError{Target: target, Err: errors.New("missing host")}
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

var (
	textMediaTypes = map[string]bool{
		"application/json":       true,
		"application/xml":        true,
		"application/javascript": true,
		"application/graphql":    true,
	}

	binaryMediaTypes = map[string]bool{
		"application/octet-stream": true,
		"application/pdf":          true,
		"application/zip":          true,
		"application/gzip":         true,
		"application/x-protobuf":   true,
		"application/x-tar":        true,
	}

	binaryMediaPrefixes = []string{"image/", "audio/", "video/", "font/"}
)

// classifyBody decides how the body of a request is decoded. A missing content type is treated
// as application/octet-stream.
func classifyBody(method, contentType string) bodyMode {
	if !postDecodeMethods[strings.ToUpper(method)] {
		return bodyIgnored
	}
	if contentType == "" {
		return bodyBinary
	}

	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return bodyUnsupported
	}

	switch {
	case mt == mediaFormURLEncoded || mt == mediaMultipartForm:
		return bodyFields
	case strings.HasPrefix(mt, "text/"), textMediaTypes[mt],
		strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return bodyText
	case binaryMediaTypes[mt]:
		return bodyBinary
	}
	for _, prefix := range binaryMediaPrefixes {
		if strings.HasPrefix(mt, prefix) {
			return bodyBinary
		}
	}
	return bodyUnsupported
}
