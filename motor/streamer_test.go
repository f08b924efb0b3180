package motor

import (
	"context"
	"sort"
	"testing"

	"github.com/pb33f/harcap/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHARStreamer_RequiresInitialize(t *testing.T) {
	streamer := openFixture(t, 2, 1)

	_, err := streamer.GetEntry(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = streamer.StreamCaptures(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = streamer.GetMetadata(0)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = NewHARStreamer("", DefaultStreamerOptions())
	assert.Error(t, err)
}

func TestHARStreamer_GetEntry(t *testing.T) {
	streamer := openFixture(t, 6, 2)
	require.NoError(t, streamer.Initialize(context.Background()))

	for i := 0; i < 6; i++ {
		entry, err := streamer.GetEntry(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, fixtureEntry(i).Request.URL, entry.Request.URL)
		assert.Equal(t, fixtureEntry(i).Request.Method, entry.Request.Method)
	}

	_, err := streamer.GetEntry(context.Background(), 6)
	assert.Error(t, err)

	stats := streamer.Stats()
	assert.Equal(t, int64(6), stats.TotalReads)
	assert.Equal(t, int64(6), stats.EntriesParsed)
	assert.Positive(t, stats.BytesRead)
}

func TestHARStreamer_GetCapture(t *testing.T) {
	streamer := openFixture(t, 4, 1)
	require.NoError(t, streamer.Initialize(context.Background()))

	get, err := streamer.GetCapture(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, archive.KindBodyless, get.Kind())
	assert.Equal(t, fixtureStart.UnixMilli(), get.StartedDateTime())

	post, err := streamer.GetCapture(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, archive.KindParams, post.Kind())
	assert.Equal(t, 302, post.Response().StatusCode)
	body, ok := post.PostData()
	require.True(t, ok)
	assert.Equal(t, "3", body.Params()[0].Value())
}

func TestHARStreamer_OrderedAcrossWorkers(t *testing.T) {
	streamer := openFixture(t, 40, 4)
	require.NoError(t, streamer.Initialize(context.Background()))

	results, err := streamer.StreamCaptures(context.Background(), nil)
	require.NoError(t, err)

	var indices []int
	for r := range results {
		require.NoError(t, r.Error)
		require.NotNil(t, r.Capture)
		assert.Equal(t, fixtureEntry(r.Index).Request.URL, r.Capture.Request().URL)
		indices = append(indices, r.Index)
	}
	require.Len(t, indices, 40)
	assert.True(t, sort.IntsAreSorted(indices))
}

func TestHARStreamer_StreamFilteredUnordered(t *testing.T) {
	streamer := openFixture(t, 40, 4)
	streamer.options.Ordered = false
	require.NoError(t, streamer.Initialize(context.Background()))

	filter, err := NewEntryFilter(FilterOptions{Methods: []string{"post"}})
	require.NoError(t, err)

	results, err := streamer.StreamCaptures(context.Background(), filter.Match)
	require.NoError(t, err)

	var indices []int
	for r := range results {
		require.NoError(t, r.Error)
		assert.Equal(t, "POST", r.Entry.Request.Method)
		assert.Equal(t, archive.KindParams, r.Capture.Kind())
		indices = append(indices, r.Index)
	}
	sort.Ints(indices)
	require.Len(t, indices, 20)
	assert.Equal(t, 1, indices[0])
	assert.Equal(t, 39, indices[19])
}

func TestHARStreamer_Cancellation(t *testing.T) {
	streamer := openFixture(t, 100, 2)
	require.NoError(t, streamer.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	results, err := streamer.StreamCaptures(ctx, nil)
	require.NoError(t, err)

	<-results
	cancel()

	count := 1
	for range results {
		count++
	}
	assert.Less(t, count, 100)
}

func TestHARStreamer_InitializeWithProgress(t *testing.T) {
	streamer := openFixture(t, 10, 1)
	progress := make(chan IndexProgress, 8)

	require.NoError(t, streamer.InitializeWithProgress(context.Background(), progress))

	var done bool
	for len(progress) > 0 {
		if p := <-progress; p.Done {
			done = true
			assert.Equal(t, 10, p.Entries)
		}
	}
	assert.True(t, done)

	meta, err := streamer.GetMetadata(3)
	require.NoError(t, err)
	assert.Equal(t, "POST", meta.Method)
	assert.Equal(t, 10, streamer.GetIndex().TotalEntries)

	_, err = streamer.GetMetadata(10)
	assert.Error(t, err)
}
