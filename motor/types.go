package motor

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harhar"
)

type EntryMetadata struct {
	FileOffset   int64
	Length       int64
	Method       string
	URL          string
	Host         string
	StatusCode   int
	StatusText   string
	MimeType     string
	RequestMime  string
	Timestamp    time.Time
	Duration     float64
	RequestSize  int64
	ResponseSize int64
	BodySize     int64
	HasPostData  bool
	PageRef      string
	ServerIP     string
}

type Index struct {
	FilePath           string
	FileSize           int64
	FileHash           string
	IndexVersion       int
	Version            string
	Creator            *harhar.Creator
	Browser            *harhar.Creator
	Pages              []harhar.Page
	Entries            []*EntryMetadata
	TotalEntries       int
	stringShards       [256]*stringTableShard
	shardInit          sync.Once
	TotalRequestBytes  int64
	TotalResponseBytes int64
	TimeRange          TimeRange
	UniqueURLs         int
	BuildTime          time.Duration
}

type stringTableShard struct {
	table map[string]string
	mu    sync.RWMutex
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Intern deduplicates repeated strings such as methods, hosts and mime types. 256 shards with
// xxhash distribution keep lock contention low.
func (idx *Index) Intern(s string) string {
	if s == "" {
		return ""
	}

	idx.shardInit.Do(idx.initShards)
	shard := idx.stringShards[xxhash.Sum64String(s)%256]

	shard.mu.RLock()
	if interned, exists := shard.table[s]; exists {
		shard.mu.RUnlock()
		return interned
	}
	shard.mu.RUnlock()

	// double-checked locking: check without write lock first, then with write lock to prevent race
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if interned, exists := shard.table[s]; exists {
		return interned
	}

	shard.table[s] = s
	return s
}

func (idx *Index) initShards() {
	for i := range idx.stringShards {
		idx.stringShards[i] = &stringTableShard{
			table: make(map[string]string),
		}
	}
}

// IndexProgress reports how far index building has read into the archive.
type IndexProgress struct {
	BytesRead  int64
	TotalBytes int64
	Entries    int
	Done       bool
}

// Percent returns progress in the range [0, 100].
func (p IndexProgress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	pct := float64(p.BytesRead) / float64(p.TotalBytes) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// StreamResult is one streamed entry. Capture is set when the entry could be read and
// converted; Entry may be set even when the conversion failed.
type StreamResult struct {
	Index   int
	Entry   *harhar.Entry
	Capture *archive.CaptureRequest
	Error   error
}

type StreamerStats struct {
	TotalReads      int64
	BytesRead       int64
	EntriesParsed   int64
	ParseErrors     int64
	AverageReadTime time.Duration
}

type StreamerOptions struct {
	ReadBufferSize int
	WorkerCount    int

	// Ordered emits results in archive order. Otherwise they arrive as workers finish them.
	Ordered bool
}

func DefaultStreamerOptions() StreamerOptions {
	return StreamerOptions{
		ReadBufferSize: 64 * 1024,
		WorkerCount:    4,
		Ordered:        true,
	}
}
