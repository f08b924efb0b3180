package motor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pb33f/harhar"
)

const (
	keyLog     = "log"
	keyVersion = "version"
	keyCreator = "creator"
	keyBrowser = "browser"
	keyPages   = "pages"
	keyEntries = "entries"

	// progress is reported at most once per this many entries
	progressInterval = 64
)

type DefaultIndexBuilder struct {
	index      *Index
	hash       *xxhash.Digest
	byteReader *byteCountingReader
	totalBytes int64
	progress   chan<- IndexProgress
}

func NewIndexBuilder(filePath string) *DefaultIndexBuilder {
	return &DefaultIndexBuilder{
		index: &Index{
			FilePath:     filePath,
			Entries:      make([]*EntryMetadata, 0),
			IndexVersion: 1,
		},
		hash: xxhash.New(),
	}
}

func (b *DefaultIndexBuilder) Build(reader io.Reader) (*Index, error) {
	return b.BuildWithProgress(reader, 0, nil)
}

// BuildWithProgress indexes the archive in a single streaming pass. When progress is not nil
// it receives periodic updates and a final update with Done set; sends never block.
func (b *DefaultIndexBuilder) BuildWithProgress(reader io.Reader, totalBytes int64, progress chan<- IndexProgress) (*Index, error) {
	startTime := time.Now()

	b.totalBytes = totalBytes
	b.progress = progress
	b.byteReader = &byteCountingReader{
		reader: reader,
		hash:   b.hash,
	}

	if err := b.parseHAR(newHARDecoder(b.byteReader)); err != nil {
		return nil, fmt.Errorf("failed to parse har file: %w", err)
	}

	// the decoder may stop before eof; drain so size and hash cover the whole file
	if _, err := io.Copy(io.Discard, b.byteReader); err != nil {
		return nil, fmt.Errorf("failed to read har file: %w", err)
	}

	b.index.FileHash = fmt.Sprintf("%x", b.hash.Sum64())
	b.index.FileSize = b.byteReader.count
	b.index.BuildTime = time.Since(startTime)
	b.index.TotalEntries = len(b.index.Entries)

	urlSet := make(map[string]struct{})
	for _, entry := range b.index.Entries {
		urlSet[entry.URL] = struct{}{}
	}
	b.index.UniqueURLs = len(urlSet)

	b.report(true)
	return b.index, nil
}

func (b *DefaultIndexBuilder) report(done bool) {
	if b.progress == nil {
		return
	}
	update := IndexProgress{
		BytesRead:  b.byteReader.count,
		TotalBytes: b.totalBytes,
		Entries:    len(b.index.Entries),
		Done:       done,
	}
	select {
	case b.progress <- update:
	default:
	}
}

func (b *DefaultIndexBuilder) parseHAR(decoder HARDecoder) error {
	if _, err := decoder.Token(); err != nil {
		return err
	}

	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return err
		}

		key, ok := token.(string)
		if !ok {
			continue
		}

		switch key {
		case keyLog:
			if err := b.parseLog(decoder); err != nil {
				return err
			}
		default:
			if err := skipValue(decoder); err != nil {
				return err
			}
		}
	}

	return nil
}

func (b *DefaultIndexBuilder) parseLog(decoder HARDecoder) error {
	if _, err := decoder.Token(); err != nil {
		return err
	}

	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return err
		}

		key, ok := token.(string)
		if !ok {
			continue
		}

		switch key {
		case keyVersion:
			if err := decoder.Decode(&b.index.Version); err != nil {
				return err
			}
		case keyCreator:
			var creator harhar.Creator
			if err := decoder.Decode(&creator); err != nil {
				return err
			}
			b.index.Creator = &creator
		case keyBrowser:
			var browser harhar.Creator
			if err := decoder.Decode(&browser); err != nil {
				return err
			}
			b.index.Browser = &browser
		case keyPages:
			if err := decoder.Decode(&b.index.Pages); err != nil {
				return err
			}
		case keyEntries:
			if err := b.parseEntries(decoder); err != nil {
				return err
			}
		default:
			if err := skipValue(decoder); err != nil {
				return err
			}
		}
	}

	_, err := decoder.Token()
	return err
}

func (b *DefaultIndexBuilder) parseEntries(decoder HARDecoder) error {
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if token != json.Delim('[') {
		return fmt.Errorf("expected array delimiter, got %v", token)
	}

	entryIndex := 0
	for decoder.More() {
		// offset before the separator; the reader skips it
		startOffset := decoder.InputOffset()

		metadata, err := b.parseEntryMetadata(decoder, startOffset)
		if err != nil {
			return fmt.Errorf("failed to parse entry %d: %w", entryIndex, err)
		}

		metadata.Length = decoder.InputOffset() - startOffset

		b.index.Entries = append(b.index.Entries, metadata)
		b.index.TotalRequestBytes += metadata.RequestSize
		b.index.TotalResponseBytes += metadata.ResponseSize

		if !metadata.Timestamp.IsZero() {
			if b.index.TimeRange.Start.IsZero() || metadata.Timestamp.Before(b.index.TimeRange.Start) {
				b.index.TimeRange.Start = metadata.Timestamp
			}
			if metadata.Timestamp.After(b.index.TimeRange.End) {
				b.index.TimeRange.End = metadata.Timestamp
			}
		}

		entryIndex++
		if entryIndex%progressInterval == 0 {
			b.report(false)
		}
	}

	_, err = decoder.Token()
	return err
}

func (b *DefaultIndexBuilder) parseEntryMetadata(decoder HARDecoder, startOffset int64) (*EntryMetadata, error) {
	var entry harhar.Entry
	if err := decoder.Decode(&entry); err != nil {
		return nil, err
	}

	metadata := &EntryMetadata{
		FileOffset:  startOffset,
		Method:      b.index.Intern(entry.Request.Method),
		URL:         entry.Request.URL,
		StatusCode:  entry.Response.StatusCode,
		StatusText:  b.index.Intern(entry.Response.StatusText),
		RequestMime: b.index.Intern(entry.Request.Body.MIMEType),
		HasPostData: entry.Request.Body.Content != "" || len(entry.Request.Body.Params) > 0,
		PageRef:     b.index.Intern(entry.PageRef),
		ServerIP:    b.index.Intern(entry.ServerIP),
	}

	if u, err := url.Parse(entry.Request.URL); err == nil {
		metadata.Host = b.index.Intern(u.Host)
	}

	if entry.Start != "" {
		if t, err := time.Parse(time.RFC3339Nano, entry.Start); err == nil {
			metadata.Timestamp = t
		}
	}

	if entry.Time > 0 {
		metadata.Duration = entry.Time
	}

	if entry.Response.Body.MIMEType != "" {
		metadata.MimeType = b.index.Intern(entry.Response.Body.MIMEType)
		metadata.BodySize = int64(max(entry.Response.Body.Size, 0))
	}

	// har uses -1 for unknown sizes
	metadata.ResponseSize = int64(max(entry.Response.BodySize, 0))
	metadata.RequestSize = int64(max(entry.Request.BodySize, 0))

	return metadata, nil
}

func (b *DefaultIndexBuilder) GetIndex() *Index {
	return b.index
}

type byteCountingReader struct {
	reader io.Reader
	hash   *xxhash.Digest
	count  int64
}

func (r *byteCountingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	if n > 0 {
		r.count += int64(n)
		if r.hash != nil {
			r.hash.Write(p[:n])
		}
	}
	return n, err
}
