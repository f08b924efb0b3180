package replay

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pb33f/harcap/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formCapture(t *testing.T, contentType string, params ...archive.Param) *archive.CaptureRequest {
	t.Helper()
	c, err := archive.NewParamsCaptureRequest(1700000000123,
		archive.RequestHead{
			Method: "POST",
			URL:    "http://captured.example.com/login?next=%2Fhome",
			Proto:  "HTTP/1.1",
			Headers: archive.Headers{
				{Name: "Host", Value: "captured.example.com"},
				{Name: "Content-Type", Value: contentType},
				{Name: "Content-Length", Value: "999"},
				{Name: "Cookie", Value: "session=captured"},
				{Name: "Connection", Value: "keep-alive"},
				{Name: "Accept-Encoding", Value: "gzip"},
				{Name: "X-Requested-With", Value: "XMLHttpRequest"},
				{Name: "Accept", Value: "text/html"},
				{Name: "accept", Value: "application/json"},
			},
		},
		archive.ResponseHead{StatusCode: 302, Reason: "Found"},
		params)
	require.NoError(t, err)
	return c
}

func TestRequest_RebasesAndFiltersHeaders(t *testing.T) {
	req := &Request{
		Capture: formCapture(t, "application/x-www-form-urlencoded", archive.MustParam("user", "bob")),
		Target:  mustURL(t, "https://staging.internal:8443/app/"),
	}

	out, err := req.build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://staging.internal:8443/app/login?next=%2Fhome", out.URL.String())
	assert.Equal(t, "POST", out.Method)
	assert.Empty(t, out.Header.Get("Cookie"))
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Empty(t, out.Header.Get("Accept-Encoding"))
	assert.Empty(t, out.Header.Get("Content-Length"))
	assert.Equal(t, "XMLHttpRequest", out.Header.Get("X-Requested-With"))
	assert.Equal(t, []string{"text/html", "application/json"}, out.Header.Values("Accept"))
	assert.Equal(t, int64(len("user=bob")), out.ContentLength)
	assert.Equal(t, 302, req.ExpectedStatus())
}

func TestRequest_SubstitutesOverridesInURLEncodedBody(t *testing.T) {
	agent := NewUserAgent(KeyOf("form"), true)
	agent.SetOverrideFields([]archive.Param{archive.MustParam("csrf", "fresh token")})

	req := &Request{
		Capture: formCapture(t, "application/x-www-form-urlencoded",
			archive.MustParam("user", "bob"),
			archive.MustParam("csrf", "stale"),
			archive.MustParam("user", "again")),
		Agent: agent,
	}

	out, err := req.build(context.Background())
	require.NoError(t, err)
	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "user=bob&csrf=fresh+token&user=again", string(body))
	assert.Equal(t, "http://captured.example.com/login?next=%2Fhome", out.URL.String())
}

func TestRequest_NonPersistentKeepsCapturedValues(t *testing.T) {
	agent := NewUserAgent(KeyOf("anon"), false)
	agent.SetOverrideFields([]archive.Param{archive.MustParam("csrf", "fresh")})

	req := &Request{
		Capture: formCapture(t, "application/x-www-form-urlencoded", archive.MustParam("csrf", "stale")),
		Agent:   agent,
	}
	out, err := req.build(context.Background())
	require.NoError(t, err)
	body, _ := io.ReadAll(out.Body)
	assert.Equal(t, "csrf=stale", string(body))
}

func TestRequest_RebuildsMultipartWithUploads(t *testing.T) {
	uploads := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(uploads, "1700000000123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "1700000000123", "cv.pdf"), []byte("%PDF-1.7"), 0o644))

	agent := NewUserAgent(KeyOf("multipart"), true)
	agent.SetOverrideFields([]archive.Param{archive.MustParam("token", "new")})

	upload, err := archive.NewUploadParam("file", "cv.pdf", "application/pdf")
	require.NoError(t, err)
	missing, err := archive.NewUploadParam("other", "gone.txt", "text/plain")
	require.NoError(t, err)

	req := &Request{
		Capture: formCapture(t, "multipart/form-data; boundary=captured",
			archive.MustParam("token", "old"), upload, missing),
		Agent:   agent,
		Uploads: DirUploads(uploads),
	}

	out, err := req.build(context.Background())
	require.NoError(t, err)

	mt, params, err := mime.ParseMediaType(out.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mt)
	assert.NotEqual(t, "captured", params["boundary"])

	mr := multipart.NewReader(out.Body, params["boundary"])

	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "token", part.FormName())
	value, _ := io.ReadAll(part)
	assert.Equal(t, "new", string(value))

	part, err = mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "file", part.FormName())
	assert.Equal(t, "cv.pdf", part.FileName())
	assert.Equal(t, "application/pdf", part.Header.Get("Content-Type"))
	content, _ := io.ReadAll(part)
	assert.Equal(t, "%PDF-1.7", string(content))

	part, err = mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "gone.txt", part.FileName())
	content, _ = io.ReadAll(part)
	assert.Empty(t, content)

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRequest_TextBodyVerbatim(t *testing.T) {
	c, err := archive.NewTextCaptureRequest(1,
		archive.RequestHead{Method: "PUT", URL: "http://example.com/doc", Headers: archive.Headers{
			{Name: "Content-Type", Value: "application/json"},
		}},
		archive.ResponseHead{StatusCode: 204},
		`{"a":1}`)
	require.NoError(t, err)

	out, err := (&Request{Capture: c}).build(context.Background())
	require.NoError(t, err)
	body, _ := io.ReadAll(out.Body)
	assert.Equal(t, `{"a":1}`, string(body))
	assert.Equal(t, "application/json", out.Header.Get("Content-Type"))
}

func TestRequest_BodylessHasNoBody(t *testing.T) {
	out, err := (&Request{Capture: getCapture(t, "http://example.com/x")}).build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.ContentLength)
	assert.Nil(t, out.Body)
	assert.False(t, strings.Contains(out.URL.String(), "#"))
}
