package motor

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexBuilder_Build(t *testing.T) {
	path := writeFixtureHAR(t, 10)
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	info, err := file.Stat()
	require.NoError(t, err)

	index, err := NewIndexBuilder(path).Build(file)
	require.NoError(t, err)

	assert.Equal(t, path, index.FilePath)
	assert.Equal(t, 10, index.TotalEntries)
	assert.Len(t, index.Entries, 10)
	assert.Equal(t, info.Size(), index.FileSize)
	assert.NotEmpty(t, index.FileHash)
	assert.Equal(t, "1.2", index.Version)
	require.NotNil(t, index.Creator)
	assert.Equal(t, "harcap-test", index.Creator.Name)
	assert.Equal(t, 10, index.UniqueURLs)
	assert.Equal(t, fixtureStart, index.TimeRange.Start.UTC())
	assert.Equal(t, int64(10*128), index.TotalResponseBytes)
	assert.Equal(t, int64(5*9), index.TotalRequestBytes)

	first := index.Entries[0]
	assert.Equal(t, "GET", first.Method)
	assert.Equal(t, "shop.example.com", first.Host)
	assert.Equal(t, "text/html", first.MimeType)
	assert.False(t, first.HasPostData)

	second := index.Entries[1]
	assert.Equal(t, "POST", second.Method)
	assert.Equal(t, 302, second.StatusCode)
	assert.Equal(t, "application/x-www-form-urlencoded", second.RequestMime)
	assert.True(t, second.HasPostData)
	assert.Greater(t, second.FileOffset, first.FileOffset)
}

func TestIndexBuilder_HashIsStable(t *testing.T) {
	data, err := os.ReadFile(writeFixtureHAR(t, 3))
	require.NoError(t, err)

	a, err := NewIndexBuilder("a").Build(bytes.NewReader(data))
	require.NoError(t, err)
	b, err := NewIndexBuilder("b").Build(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, a.FileHash, b.FileHash)

	changed := bytes.Replace(data, []byte("page/0"), []byte("page/X"), 1)
	c, err := NewIndexBuilder("c").Build(bytes.NewReader(changed))
	require.NoError(t, err)
	assert.NotEqual(t, a.FileHash, c.FileHash)
}

func TestIndexBuilder_Progress(t *testing.T) {
	data, err := os.ReadFile(writeFixtureHAR(t, 200))
	require.NoError(t, err)

	progress := make(chan IndexProgress, 16)
	index, err := NewIndexBuilder("p").BuildWithProgress(bytes.NewReader(data), int64(len(data)), progress)
	require.NoError(t, err)
	close(progress)

	var last IndexProgress
	for p := range progress {
		last = p
	}
	assert.True(t, last.Done)
	assert.Equal(t, index.TotalEntries, last.Entries)
	assert.InDelta(t, 100.0, last.Percent(), 0.001)
}

func TestIndexBuilder_RejectsMalformed(t *testing.T) {
	_, err := NewIndexBuilder("bad").Build(strings.NewReader(`{"log":{"entries":{}}}`))
	assert.Error(t, err)

	_, err = NewIndexBuilder("bad").Build(strings.NewReader(`{"log":{"entries":[{"request":`))
	assert.Error(t, err)
}

func TestIndexBuilder_SkipsUnknownKeys(t *testing.T) {
	doc := `{"extra":[1,{"a":2}],"log":{"version":"1.2","_custom":{"x":[1]},"entries":[` +
		`{"startedDateTime":"2025-03-01T12:00:00.000Z","request":{"method":"GET","url":"http://a.test/"},"response":{"status":204}}` +
		`],"comment":"after entries"}}`

	index, err := NewIndexBuilder("skip").Build(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 1, index.TotalEntries)
	assert.Equal(t, 204, index.Entries[0].StatusCode)
	assert.Equal(t, "a.test", index.Entries[0].Host)
}

func TestIndex_InternConcurrent(t *testing.T) {
	idx := &Index{}

	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := range results {
		wg.Go(func() {
			results[i] = idx.Intern(strings.Repeat("x", 3))
		})
	}
	wg.Wait()

	for _, s := range results {
		assert.Equal(t, "xxx", s)
	}
	assert.Equal(t, "", idx.Intern(""))
}
