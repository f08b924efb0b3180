package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pb33f/harcap/archive"
)

// headers never replayed from a capture. Cookie comes from the user's jar, length and
// encoding are recomputed by the transport.
var droppedHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Cookie":              true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
	"Host":                true,
}

// UploadOpener returns the stored content of an upload captured with the exchange that
// started at startedDateTime.
type UploadOpener func(startedDateTime int64, fileName string) (io.ReadCloser, error)

// DirUploads opens uploads stored as <dir>/<started>/<filename>.
func DirUploads(dir string) UploadOpener {
	return func(started int64, fileName string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, strconv.FormatInt(started, 10), filepath.Base(fileName)))
	}
}

// Request is one captured exchange scheduled for replay.
type Request struct {
	Index    int
	Capture  *archive.CaptureRequest
	Agent    *UserAgent
	Blocking bool

	// Target replaces the scheme and host of the captured URL when set.
	Target *url.URL

	// Uploads supplies file content for multipart bodies. Without it uploads replay empty.
	Uploads UploadOpener
}

// URL is the captured URL rebased on the replay target.
func (r *Request) URL() (*url.URL, error) {
	u, err := url.Parse(r.Capture.Request().URL)
	if err != nil {
		return nil, fmt.Errorf("parse captured url: %w", err)
	}
	if r.Target != nil {
		u.Scheme = r.Target.Scheme
		u.Host = r.Target.Host
		if prefix := strings.TrimSuffix(r.Target.Path, "/"); prefix != "" {
			u.Path = prefix + u.Path
			u.RawPath = ""
		}
	}
	return u, nil
}

// ExpectedStatus is the status the server returned when the exchange was captured.
func (r *Request) ExpectedStatus() int {
	return r.Capture.Response().StatusCode
}

// build turns the capture into an outbound request, substituting the user's dynamic field
// values into form bodies.
func (r *Request) build(ctx context.Context) (*http.Request, error) {
	target, err := r.URL()
	if err != nil {
		return nil, err
	}
	head := r.Capture.Request()

	header := make(http.Header, len(head.Headers))
	for _, h := range head.Headers {
		name := textproto.CanonicalMIMEHeaderKey(h.Name)
		if droppedHeaders[name] {
			continue
		}
		header[name] = append(header[name], h.Value)
	}

	body, contentType, err := r.body()
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, head.Method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build replay request: %w", err)
	}
	req.Header = header
	return req, nil
}

// body returns the replay body and, for rebuilt multipart bodies, the new content type.
func (r *Request) body() ([]byte, string, error) {
	data, ok := r.Capture.PostData()
	if !ok {
		return nil, "", nil
	}
	if data.Kind() == archive.BodyText {
		return []byte(data.Text()), "", nil
	}

	params := r.substitute(data.Params())
	mt, _, err := mime.ParseMediaType(data.MimeType())
	if err != nil {
		mt = "application/x-www-form-urlencoded"
	}
	if mt == "multipart/form-data" {
		return r.multipartBody(params)
	}

	var buf strings.Builder
	for i, p := range params {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(url.QueryEscape(p.Name()))
		buf.WriteByte('=')
		buf.WriteString(url.QueryEscape(p.Value()))
	}
	return []byte(buf.String()), "", nil
}

func (r *Request) substitute(params []archive.Param) []archive.Param {
	if r.Agent == nil || !r.Agent.Persistent() {
		return params
	}
	for i, p := range params {
		if p.IsUpload() {
			continue
		}
		if override, ok := r.Agent.OverrideFor(p.Name()); ok {
			params[i] = p.WithValue(override.Value())
		}
	}
	return params
}

func (r *Request) multipartBody(params []archive.Param) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, p := range params {
		if !p.IsUpload() {
			if err := mw.WriteField(p.Name(), p.Value()); err != nil {
				return nil, "", err
			}
			continue
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     p.Name(),
			"filename": p.FileName(),
		}))
		if p.ContentType() != "" {
			h.Set("Content-Type", p.ContentType())
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if err := r.copyUpload(part, p); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (r *Request) copyUpload(dst io.Writer, p archive.Param) error {
	if r.Uploads == nil {
		return nil
	}
	content, err := r.Uploads(r.Capture.StartedDateTime(), p.FileName())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open upload %s: %w", p.FileName(), err)
	}
	defer content.Close()

	if _, err := io.Copy(dst, content); err != nil {
		return fmt.Errorf("copy upload %s: %w", p.FileName(), err)
	}
	return nil
}
