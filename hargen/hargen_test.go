package hargen

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"github.com/pb33f/harcap/motor"
	"github.com/pb33f/harcap/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryWriter struct {
	captures []*archive.CaptureRequest
	uploads  map[int64]string
}

func (m *memoryWriter) WriteAsync(c *archive.CaptureRequest) error {
	m.captures = append(m.captures, c)
	return nil
}

func (m *memoryWriter) WriteUpload(u capture.Upload, started int64) error {
	b, err := io.ReadAll(u.Content)
	if err != nil {
		return err
	}
	if m.uploads == nil {
		m.uploads = make(map[int64]string)
	}
	m.uploads[started] = string(b)
	return nil
}

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestGenerate_SessionFlows(t *testing.T) {
	w := &memoryWriter{}
	result, err := Generate(w, GenerateOptions{
		Users:        4,
		PagesPerUser: 2,
		UploadEvery:  2,
		Seed:         42,
		Start:        testStart,
	})
	require.NoError(t, err)

	// login page, login post, pages, logout, plus uploads for users 0 and 2
	assert.Equal(t, GenerateResult{Users: 4, Entries: 4*5 + 2, Uploads: 2}, result)
	require.Len(t, w.captures, result.Entries)
	assert.Len(t, w.uploads, 2)

	var last int64
	users := make(map[replay.Key]int)
	for _, c := range w.captures {
		assert.GreaterOrEqual(t, c.StartedDateTime(), last)
		last = c.StartedDateTime()
		users[replay.KeyForRequest(c.Request(), "JSESSIONID")]++
	}
	assert.Len(t, users, 4)
	for _, n := range users {
		assert.GreaterOrEqual(t, n, 5, "cookie-less login page and later requests share a user")
	}
	assert.Empty(t, w.captures[0].Request().Headers.Get("Cookie"))

	var logins, uploads int
	for _, c := range w.captures {
		req := c.Request()
		if req.Method != "POST" {
			continue
		}
		body, ok := c.PostData()
		require.True(t, ok)
		params := body.Params()
		require.NotEmpty(t, params)
		assert.Equal(t, "csrf", params[0].Name())

		switch req.URL {
		case "http://localhost:8080/login":
			logins++
			assert.Equal(t, 302, c.Response().StatusCode)
		case "http://localhost:8080/upload":
			uploads++
			assert.Equal(t, "multipart/form-data", req.ContentType())
			assert.True(t, params[2].IsUpload())
			assert.Contains(t, w.uploads, c.StartedDateTime())
		}
	}
	assert.Equal(t, 4, logins)
	assert.Equal(t, 2, uploads)
}

func TestGenerate_Reproducible(t *testing.T) {
	opts := GenerateOptions{Users: 3, PagesPerUser: 1, Seed: 7, Start: testStart}

	a, b := &memoryWriter{}, &memoryWriter{}
	_, err := Generate(a, opts)
	require.NoError(t, err)
	_, err = Generate(b, opts)
	require.NoError(t, err)

	require.Len(t, b.captures, len(a.captures))
	for i := range a.captures {
		assert.Equal(t, a.captures[i].Request(), b.captures[i].Request())
		assert.Equal(t, a.captures[i].StartedDateTime(), b.captures[i].StartedDateTime())
	}
}

func TestGenerate_InvalidOptions(t *testing.T) {
	_, err := Generate(&memoryWriter{}, GenerateOptions{Users: -1})
	assert.Error(t, err)

	_, err = Generate(&memoryWriter{}, GenerateOptions{Users: 1, BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestGenerateToFile_IndexesAndStoresUploads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.har")
	result, stats, err := GenerateToFile(path, GenerateOptions{
		Users:        2,
		PagesPerUser: 1,
		UploadEvery:  1,
		Seed:         3,
		Start:        testStart,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(result.Entries), stats.Entries)
	assert.Equal(t, int64(2), stats.Uploads)

	streamer, err := motor.NewHARStreamer(path, motor.DefaultStreamerOptions())
	require.NoError(t, err)
	defer streamer.Close()
	require.NoError(t, streamer.Initialize(context.Background()))

	summary := motor.Summarize(streamer.GetIndex())
	assert.Equal(t, result.Entries, summary.Entries)
	assert.Equal(t, "harcap-generate 1.0.0", summary.Creator)
	assert.Equal(t, 4, summary.WithPostData)

	first, err := streamer.GetCapture(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/login", first.Request().URL)

	opener := replay.DirUploads(stats.UploadDir)
	for i := 0; i < summary.Entries; i++ {
		c, err := streamer.GetCapture(context.Background(), i)
		require.NoError(t, err)
		body, ok := c.PostData()
		if !ok {
			continue
		}
		for _, p := range body.Params() {
			if !p.IsUpload() {
				continue
			}
			rc, err := opener(c.StartedDateTime(), p.FileName())
			require.NoError(t, err)
			content, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.NotEmpty(t, content)
		}
	}

	_, err = os.Stat(stats.UploadDir)
	assert.NoError(t, err)
}

func TestLoadDictionary(t *testing.T) {
	d, err := LoadDictionary(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, len(fallbackWords), d.Size())

	path := filepath.Join(t.TempDir(), "words")
	require.NoError(t, os.WriteFile(path, []byte("Apple\nok\nbanana\nx-ray\ncherry\n"), 0o644))
	d, err = LoadDictionary(path)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Size())

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("a\nb\n"), 0o644))
	_, err = LoadDictionary(empty)
	assert.Error(t, err)
}
