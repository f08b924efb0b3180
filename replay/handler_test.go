package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietHandler() *Handler {
	return NewHandler(HandlerOptions{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		LatchTimeout: 20 * time.Millisecond,
	})
}

func getCapture(t *testing.T, rawURL string) *archive.CaptureRequest {
	t.Helper()
	c, err := archive.NewCaptureRequest(1700000000000,
		archive.RequestHead{Method: "GET", URL: rawURL, Proto: "HTTP/1.1", Headers: archive.Headers{
			{Name: "Host", Value: "example.com"},
			{Name: "User-Agent", Value: "test"},
		}},
		archive.ResponseHead{StatusCode: 200, Reason: "OK", Proto: "HTTP/1.1"})
	require.NoError(t, err)
	return c
}

func htmlResponse(contentType string, setCookies ...string) capture.ResponseStart {
	headers := archive.Headers{{Name: "Content-Type", Value: contentType}}
	for _, c := range setCookies {
		headers = append(headers, archive.Header{Name: "Set-Cookie", Value: c})
	}
	return capture.ResponseStart{StatusCode: 200, Reason: "OK", Proto: "HTTP/1.1", Headers: headers}
}

func TestHandler_ScrapesHiddenFormFields(t *testing.T) {
	agent := NewUserAgent(KeyOf("scrape"), true)
	h := quietHandler()

	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/login"), Agent: agent})
	require.NoError(t, err)

	_, err = h.Read(htmlResponse("text/html; charset=utf-8"))
	require.NoError(t, err)
	_, err = h.Read(capture.Chunk{Data: []byte(`<html><head><title> Sign in </title></head><body><form><input type="hidden" `)})
	require.NoError(t, err)
	ev, err := h.Read(capture.LastChunk{Data: []byte(`name="csrf" value="abc"></form></body></html>`)})
	require.NoError(t, err)

	last, ok := ev.(ReplayLastChunk)
	require.True(t, ok)
	require.NotNil(t, last.Document)
	assert.Equal(t, "Sign in", DocumentTitle(last.Document))

	p, ok := agent.OverrideFor("csrf")
	require.True(t, ok)
	assert.Equal(t, "abc", p.Value())
}

func TestHandler_IgnoresInputsOutsideForms(t *testing.T) {
	agent := NewUserAgent(KeyOf("outside"), true)
	h := quietHandler()

	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent})
	require.NoError(t, err)
	_, err = h.Read(htmlResponse("text/html"))
	require.NoError(t, err)
	_, err = h.Read(capture.LastChunk{Data: []byte(
		`<input type="hidden" name="loose" value="1">` +
			`<form><input type="HIDDEN" name="kept" value="2"><input type="text" name="visible" value="3">` +
			`<input type="hidden" value="nameless"></form>`)})
	require.NoError(t, err)

	fields := agent.OverrideFields()
	require.Len(t, fields, 1)
	assert.Equal(t, "kept", fields[0].Name())
	assert.Equal(t, "2", fields[0].Value())
}

func TestHandler_DecodesDeclaredAndDefaultCharset(t *testing.T) {
	// 0xe9 is é in iso-8859-1
	page := []byte("<form><input type=hidden name=city value=\"Orl\xe9ans\"></form>")

	agent := NewUserAgent(KeyOf("latin1"), true)
	h := quietHandler()
	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent})
	require.NoError(t, err)
	_, err = h.Read(htmlResponse("text/html"))
	require.NoError(t, err)
	_, err = h.Read(capture.LastChunk{Data: page})
	require.NoError(t, err)

	p, ok := agent.OverrideFor("city")
	require.True(t, ok)
	assert.Equal(t, "Orléans", p.Value())

	agent = NewUserAgent(KeyOf("utf8"), true)
	h = quietHandler()
	_, err = h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent})
	require.NoError(t, err)
	_, err = h.Read(htmlResponse("text/html; charset=UTF-8"))
	require.NoError(t, err)
	_, err = h.Read(capture.LastChunk{Data: []byte(`<form><input type=hidden name=city value="Orléans"></form>`)})
	require.NoError(t, err)

	p, ok = agent.OverrideFor("city")
	require.True(t, ok)
	assert.Equal(t, "Orléans", p.Value())
}

func TestHandler_NoScrapeForNonPersistentOrNonHTML(t *testing.T) {
	body := []byte(`<form><input type="hidden" name="csrf" value="abc"></form>`)

	anon := NewUserAgent(KeyOf("anon"), false)
	h := quietHandler()
	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: anon})
	require.NoError(t, err)
	_, err = h.Read(htmlResponse("text/html"))
	require.NoError(t, err)
	ev, err := h.Read(capture.LastChunk{Data: body})
	require.NoError(t, err)
	assert.Nil(t, ev.(ReplayLastChunk).Document)
	assert.Empty(t, anon.OverrideFields())

	user := NewUserAgent(KeyOf("json"), true)
	h = quietHandler()
	_, err = h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: user})
	require.NoError(t, err)
	_, err = h.Read(htmlResponse("application/json"))
	require.NoError(t, err)
	ev, err = h.Read(capture.LastChunk{Data: body})
	require.NoError(t, err)
	assert.Nil(t, ev.(ReplayLastChunk).Document)
	assert.Empty(t, user.OverrideFields())
}

func TestHandler_InjectsCookiesAndMergesSetCookie(t *testing.T) {
	agent := NewUserAgent(KeyOf("jar"), true)
	agent.MergeCookies(mustURL(t, "http://example.com/"), []*http.Cookie{{Name: "session", Value: "old"}})

	c, err := archive.NewCaptureRequest(1,
		archive.RequestHead{Method: "GET", URL: "http://example.com/home", Headers: archive.Headers{
			{Name: "Cookie", Value: "session=captured"},
		}},
		archive.ResponseHead{StatusCode: 200})
	require.NoError(t, err)

	h := quietHandler()
	out, err := h.Write(context.Background(), &Request{Capture: c, Agent: agent})
	require.NoError(t, err)
	assert.Equal(t, "session=old", out.Header.Get("Cookie"))

	_, err = h.Read(htmlResponse("text/plain", "session=new; Path=/", "broken"))
	require.NoError(t, err)

	cookies := agent.CookiesFor(mustURL(t, "http://example.com/"))
	require.Len(t, cookies, 1)
	assert.Equal(t, "new", cookies[0].Value)
}

func TestHandler_ReleasesLatchOnResponseHead(t *testing.T) {
	agent := NewUserAgent(KeyOf("head"), true)
	h := quietHandler()

	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent, Blocking: true})
	require.NoError(t, err)
	assert.False(t, agent.TryAcquireSerialization(0), "latch is held while the request is in flight")

	_, err = h.Read(htmlResponse("text/plain"))
	require.NoError(t, err)
	assert.True(t, agent.TryAcquireSerialization(0))
}

func TestHandler_ReleaseOnFailure(t *testing.T) {
	agent := NewUserAgent(KeyOf("fail"), true)
	h := quietHandler()

	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent, Blocking: true})
	require.NoError(t, err)

	h.Fail(errors.New("connection reset"))
	h.Fail(errors.New("again"))

	assert.True(t, agent.TryAcquireSerialization(0))
}

func TestHandler_FailDoesNotReleaseSomeoneElsesLatch(t *testing.T) {
	agent := NewUserAgent(KeyOf("other"), true)
	require.True(t, agent.TryAcquireSerialization(0))

	h := quietHandler()
	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent, Blocking: true})
	require.NoError(t, err)

	// the handler timed out waiting, so it holds nothing
	h.Fail(errors.New("boom"))
	assert.False(t, agent.TryAcquireSerialization(0))
}

func TestHandler_RejectsOutOfOrderEvents(t *testing.T) {
	h := quietHandler()

	_, err := h.Read(capture.Chunk{Data: []byte("x")})
	assert.ErrorIs(t, err, capture.ErrResponseHeadMissing)

	_, err = h.Read(capture.RequestStart{Method: "GET"})
	assert.ErrorIs(t, err, capture.ErrUnexpectedEvent)

	_, err = h.Write(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrNoCapture)
}

func TestHiddenFormFields_DocumentOrder(t *testing.T) {
	h := quietHandler()
	agent := NewUserAgent(KeyOf("order"), true)
	_, err := h.Write(context.Background(), &Request{Capture: getCapture(t, "http://example.com/"), Agent: agent})
	require.NoError(t, err)
	_, err = h.Read(htmlResponse("text/html"))
	require.NoError(t, err)

	var sb strings.Builder
	sb.WriteString("<form>")
	for _, name := range []string{"z", "a", "m"} {
		sb.WriteString(`<input type="hidden" name="` + name + `" value="v">`)
	}
	sb.WriteString("</form>")
	ev, err := h.Read(capture.LastChunk{Data: []byte(sb.String())})
	require.NoError(t, err)

	fields := HiddenFormFields(ev.(ReplayLastChunk).Document)
	require.Len(t, fields, 3)
	assert.Equal(t, "z", fields[0].Name())
	assert.Equal(t, "a", fields[1].Name())
	assert.Equal(t, "m", fields[2].Name())
}
