package writer

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"github.com/pb33f/harcap/motor"
	"github.com/pb33f/harcap/replay"
	"github.com/pb33f/harhar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) *HARWriter {
	t.Helper()
	w, err := NewHARWriter(Options{
		Path:    filepath.Join(t.TempDir(), "out", "capture.har"),
		Creator: harhar.Creator{Name: "harcap-test", Version: "1"},
		Buffer:  4,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return w
}

func testCapture(t *testing.T, i int) *archive.CaptureRequest {
	t.Helper()
	req := archive.RequestHead{
		Method: "POST",
		URL:    fmt.Sprintf("http://shop.example.com/cart/%d", i),
		Proto:  "HTTP/1.1",
		Headers: archive.Headers{
			{Name: "Host", Value: "shop.example.com"},
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
		},
	}
	resp := archive.ResponseHead{StatusCode: 200, Reason: "OK", Proto: "HTTP/1.1"}
	c, err := archive.NewParamsCaptureRequest(int64(1700000000000+i), req, resp,
		[]archive.Param{archive.MustParam("item", fmt.Sprint(i))})
	require.NoError(t, err)
	return c
}

func readArchive(t *testing.T, path string) harhar.HAR {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc harhar.HAR
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestHARWriter_WritesValidDocument(t *testing.T) {
	w := newTestWriter(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteAsync(testCapture(t, i)))
	}
	require.NoError(t, w.Close())

	doc := readArchive(t, w.Path())
	assert.Equal(t, "1.2", doc.Log.Version)
	assert.Equal(t, "harcap-test", doc.Log.Creator.Name)
	require.Len(t, doc.Log.Entries, 10)

	for i, entry := range doc.Log.Entries {
		c, err := archive.FromEntry(entry)
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000000+i), c.StartedDateTime())
		body, ok := c.PostData()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), body.Params()[0].Value())
	}

	stats := w.Stats()
	assert.Equal(t, int64(10), stats.Entries)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestHARWriter_EmptyArchive(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Close())

	doc := readArchive(t, w.Path())
	assert.Empty(t, doc.Log.Entries)
}

func TestHARWriter_ClosedRejectsWrites(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteAsync(testCapture(t, 0)), ErrClosed)
	assert.Error(t, w.WriteAsync(nil))
}

func TestHARWriter_ConcurrentWriters(t *testing.T) {
	w := newTestWriter(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Go(func() {
			for i := 0; i < 25; i++ {
				assert.NoError(t, w.WriteAsync(testCapture(t, g*100+i)))
			}
		})
	}
	wg.Wait()
	require.NoError(t, w.Close())

	doc := readArchive(t, w.Path())
	assert.Len(t, doc.Log.Entries, 200)
}

func TestHARWriter_IndexableByMotor(t *testing.T) {
	w := newTestWriter(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteAsync(testCapture(t, i)))
	}
	require.NoError(t, w.Close())

	file, err := os.Open(w.Path())
	require.NoError(t, err)
	defer file.Close()

	index, err := motor.NewIndexBuilder(w.Path()).Build(file)
	require.NoError(t, err)
	assert.Equal(t, 3, index.TotalEntries)
	assert.Equal(t, "shop.example.com", index.Entries[2].Host)
	assert.True(t, index.Entries[2].HasPostData)
}

func TestHARWriter_WriteUpload(t *testing.T) {
	w := newTestWriter(t)
	defer w.Close()

	assert.Equal(t, strings.TrimSuffix(w.Path(), ".har")+"-uploads", w.UploadDir())

	err := w.WriteUpload(capture.Upload{
		Name:        "avatar",
		FileName:    `C:\Users\bob\face.png`,
		ContentType: "image/png",
		Content:     strings.NewReader("png bytes"),
	}, 1700000000123)
	require.NoError(t, err)

	opened, err := replay.DirUploads(w.UploadDir())(1700000000123, "face.png")
	require.NoError(t, err)
	defer opened.Close()
	data, err := io.ReadAll(opened)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
	assert.Equal(t, int64(1), w.Stats().Uploads)
}

func TestUploadName(t *testing.T) {
	tests := []struct {
		upload capture.Upload
		want   string
	}{
		{capture.Upload{Name: "f", FileName: "report.pdf"}, "report.pdf"},
		{capture.Upload{Name: "f", FileName: "../../etc/passwd"}, "passwd"},
		{capture.Upload{Name: "f", FileName: `dir\sub\a.txt`}, "a.txt"},
		{capture.Upload{Name: "field", FileName: ""}, "field"},
		{capture.Upload{Name: "", FileName: "/"}, "upload"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, uploadName(tt.upload), tt.upload.FileName)
	}
}
