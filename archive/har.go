package archive

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pb33f/harhar"
)

// TimestampFormat is ISO 8601 with millisecond precision, as HAR expects.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Entry maps the capture onto a HAR entry.
func (c *CaptureRequest) Entry() harhar.Entry {
	req := c.request
	resp := c.response

	entry := harhar.Entry{
		Start: c.Started().UTC().Format(TimestampFormat),
		Request: harhar.Request{
			Method:      req.Method,
			URL:         req.URL,
			HTTPVersion: protoOrDefault(req.Proto),
			Headers:     toPairs(req.Headers),
			QueryParams: queryPairs(req.URL),
			Cookies:     requestCookies(req.Headers),
			HeadersSize: -1,
			BodySize:    -1,
		},
		Response: harhar.Response{
			StatusCode:  resp.StatusCode,
			StatusText:  resp.Reason,
			HTTPVersion: protoOrDefault(resp.Proto),
			RedirectURL: resp.Headers.Get("Location"),
			Headers:     toPairs(resp.Headers),
			Cookies:     responseCookies(resp.Headers),
			Body: harhar.BodyResponseType{
				MIMEType: resp.Headers.Get("Content-Type"),
			},
			HeadersSize: -1,
			BodySize:    -1,
		},
	}

	if body, ok := c.PostData(); ok {
		entry.Request.Body.MIMEType = body.MimeType()
		switch body.Kind() {
		case BodyText:
			entry.Request.Body.Content = body.Text()
			entry.Request.BodySize = len(body.Text())
		case BodyParams:
			params := body.Params()
			entry.Request.Body.Params = make([]harhar.PostNameValuePair, 0, len(params))
			for _, p := range params {
				entry.Request.Body.Params = append(entry.Request.Body.Params, harhar.PostNameValuePair{
					Name:        p.Name(),
					Value:       p.Value(),
					FileName:    p.FileName(),
					ContentType: p.ContentType(),
					Comment:     p.Comment(),
				})
			}
		}
	}

	return entry
}

// FromEntry rebuilds a capture from a HAR entry. Entries carrying params become KindParams,
// entries carrying text become KindText, anything else is bodyless.
func FromEntry(entry harhar.Entry) (*CaptureRequest, error) {
	started, err := parseStarted(entry.Start)
	if err != nil {
		return nil, err
	}

	req := RequestHead{
		Method:  entry.Request.Method,
		URL:     entry.Request.URL,
		Proto:   entry.Request.HTTPVersion,
		Headers: fromPairs(entry.Request.Headers),
	}
	resp := ResponseHead{
		StatusCode: entry.Response.StatusCode,
		Reason:     entry.Response.StatusText,
		Proto:      entry.Response.HTTPVersion,
		Headers:    fromPairs(entry.Response.Headers),
	}

	body := entry.Request.Body
	switch {
	case len(body.Params) > 0:
		params := make([]Param, 0, len(body.Params))
		for _, p := range body.Params {
			param, err := NewParamWithComment(p.Name, p.Value, p.FileName, p.ContentType, p.Comment)
			if err != nil {
				return nil, fmt.Errorf("entry %s %s: %w", req.Method, req.URL, err)
			}
			params = append(params, param)
		}
		return newCaptureRequest(KindParams, started, req, resp, NewParamsPostData(mimeOr(body.MIMEType, req), params))
	case body.Content != "":
		return newCaptureRequest(KindText, started, req, resp, NewTextPostData(mimeOr(body.MIMEType, req), body.Content))
	default:
		return NewCaptureRequest(started, req, resp)
	}
}

func parseStarted(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("entry has no startedDateTime")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid startedDateTime %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

func mimeOr(mimeType string, req RequestHead) string {
	if mimeType != "" {
		return mediaType(mimeType)
	}
	return req.ContentType()
}

func protoOrDefault(proto string) string {
	if proto == "" {
		return "HTTP/1.1"
	}
	return proto
}

func toPairs(headers Headers) []harhar.NameValuePair {
	pairs := make([]harhar.NameValuePair, 0, len(headers))
	for _, h := range headers {
		pairs = append(pairs, harhar.NameValuePair{Name: h.Name, Value: h.Value})
	}
	return pairs
}

func fromPairs(pairs []harhar.NameValuePair) Headers {
	headers := make(Headers, 0, len(pairs))
	for _, p := range pairs {
		headers = append(headers, Header{Name: p.Name, Value: p.Value})
	}
	return headers
}

func queryPairs(rawURL string) []harhar.NameValuePair {
	pairs := []harhar.NameValuePair{}
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return pairs
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return pairs
	}
	for name, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, harhar.NameValuePair{Name: name, Value: v})
		}
	}
	return pairs
}

func requestCookies(headers Headers) []harhar.Cookie {
	cookies := []harhar.Cookie{}
	for _, line := range headers.Values("Cookie") {
		parsed, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range parsed {
			cookies = append(cookies, harhar.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return cookies
}

func responseCookies(headers Headers) []harhar.Cookie {
	cookies := []harhar.Cookie{}
	for _, line := range headers.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, harhar.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   c.Path,
			Domain: c.Domain,
			Secure: c.Secure,
		})
	}
	return cookies
}
