package motor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pb33f/harhar"
	"github.com/stretchr/testify/require"
)

var fixtureStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fixtureEntry builds a small but complete entry. Even entries are GETs of html pages, odd
// entries are form POSTs.
func fixtureEntry(i int) harhar.Entry {
	entry := harhar.Entry{
		Start: fixtureStart.Add(time.Duration(i) * time.Second).Format("2006-01-02T15:04:05.000Z07:00"),
		Time:  float64(10 + i),
		Request: harhar.Request{
			Method:      "GET",
			URL:         fmt.Sprintf("http://shop.example.com/page/%d", i),
			HTTPVersion: "HTTP/1.1",
			Headers:     []harhar.NameValuePair{{Name: "Host", Value: "shop.example.com"}},
			HeadersSize: -1,
			BodySize:    -1,
		},
		Response: harhar.Response{
			StatusCode:  200,
			StatusText:  "OK",
			HTTPVersion: "HTTP/1.1",
			Body: harhar.BodyResponseType{
				Size:     128,
				MIMEType: "text/html",
				Content:  "<html><title>page</title></html>",
			},
			HeadersSize: -1,
			BodySize:    128,
		},
	}

	if i%2 == 1 {
		entry.Request.Method = "POST"
		entry.Request.URL = fmt.Sprintf("http://api.example.com/form/%d", i)
		entry.Request.BodySize = 9
		entry.Request.Body = harhar.BodyType{
			MIMEType: "application/x-www-form-urlencoded",
			Params:   []harhar.PostNameValuePair{{Name: "n", Value: fmt.Sprint(i)}},
		}
		entry.Response.StatusCode = 302
		entry.Response.StatusText = "Found"
	}
	return entry
}

func writeFixtureHAR(t testing.TB, count int) string {
	t.Helper()

	doc := harhar.HAR{Log: harhar.Log{
		Version: "1.2",
		Creator: harhar.Creator{Name: "harcap-test", Version: "0.0.1"},
	}}
	for i := 0; i < count; i++ {
		doc.Log.Entries = append(doc.Log.Entries, fixtureEntry(i))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fixture.har")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func openFixture(t testing.TB, count, workers int) *DefaultHARStreamer {
	t.Helper()

	opts := DefaultStreamerOptions()
	opts.WorkerCount = workers
	streamer, err := NewHARStreamer(writeFixtureHAR(t, count), opts)
	require.NoError(t, err)
	t.Cleanup(func() { streamer.Close() })
	return streamer
}
