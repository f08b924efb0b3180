package archive

import (
	"errors"
	"mime"
	"time"
)

// Kind identifies which of the three capture shapes a CaptureRequest has.
type Kind int

const (
	KindBodyless Kind = iota
	KindText
	KindParams
)

func (k Kind) String() string {
	switch k {
	case KindBodyless:
		return "bodyless"
	case KindText:
		return "text"
	case KindParams:
		return "params"
	default:
		return "unknown"
	}
}

var (
	ErrMissingRequest  = errors.New("capture request requires a request head")
	ErrMissingResponse = errors.New("capture request requires a response head")
)

// RequestHead is the captured request line and headers. URL is always absolute.
type RequestHead struct {
	Method  string
	URL     string
	Proto   string
	Headers Headers
}

// ContentType returns the request media type without parameters.
func (r RequestHead) ContentType() string {
	return mediaType(r.Headers.Get("Content-Type"))
}

// ResponseHead is the captured status line and headers.
type ResponseHead struct {
	StatusCode int
	Reason     string
	Proto      string
	Headers    Headers
}

// CaptureRequest is one completed request/response exchange. It is only constructed once both
// sides are known and never changes afterwards.
type CaptureRequest struct {
	kind            Kind
	startedDateTime int64
	request         RequestHead
	response        ResponseHead
	postData        PostData
}

// NewCaptureRequest builds a capture without a body.
func NewCaptureRequest(started int64, req RequestHead, resp ResponseHead) (*CaptureRequest, error) {
	return newCaptureRequest(KindBodyless, started, req, resp, PostData{})
}

// NewTextCaptureRequest builds a capture whose body is raw text.
func NewTextCaptureRequest(started int64, req RequestHead, resp ResponseHead, text string) (*CaptureRequest, error) {
	return newCaptureRequest(KindText, started, req, resp, NewTextPostData(req.ContentType(), text))
}

// NewParamsCaptureRequest builds a capture whose body was decoded into fields.
func NewParamsCaptureRequest(started int64, req RequestHead, resp ResponseHead, params []Param) (*CaptureRequest, error) {
	return newCaptureRequest(KindParams, started, req, resp, NewParamsPostData(req.ContentType(), params))
}

func newCaptureRequest(kind Kind, started int64, req RequestHead, resp ResponseHead, body PostData) (*CaptureRequest, error) {
	if req.Method == "" || req.URL == "" {
		return nil, ErrMissingRequest
	}
	if resp.StatusCode == 0 {
		return nil, ErrMissingResponse
	}
	req.Headers = req.Headers.Clone()
	resp.Headers = resp.Headers.Clone()
	return &CaptureRequest{
		kind:            kind,
		startedDateTime: started,
		request:         req,
		response:        resp,
		postData:        body,
	}, nil
}

func (c *CaptureRequest) Kind() Kind { return c.kind }

// StartedDateTime is the capture start in epoch milliseconds.
func (c *CaptureRequest) StartedDateTime() int64 { return c.startedDateTime }

// Started is StartedDateTime as a time.Time.
func (c *CaptureRequest) Started() time.Time { return time.UnixMilli(c.startedDateTime) }

func (c *CaptureRequest) Request() RequestHead {
	req := c.request
	req.Headers = req.Headers.Clone()
	return req
}

func (c *CaptureRequest) Response() ResponseHead {
	resp := c.response
	resp.Headers = resp.Headers.Clone()
	return resp
}

// PostData returns the body and whether one exists.
func (c *CaptureRequest) PostData() (PostData, bool) {
	if c.kind == KindBodyless {
		return PostData{}, false
	}
	return c.postData, true
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}
