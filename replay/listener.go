package replay

import (
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"
)

// Result describes one replayed exchange.
type Result struct {
	Index     int
	Session   Key
	Method    string
	URL       string
	Label     string
	Expected  int
	Actual    int
	BytesRead int64
	Duration  time.Duration
	Document  *html.Node
	Err       error
}

// Matched reports whether the replayed status equals the captured one.
func (r Result) Matched() bool {
	return r.Err == nil && r.Expected == r.Actual
}

// ResultListener receives the outcome of every replayed exchange. Calls arrive concurrently
// from the replay workers.
type ResultListener interface {
	Success(result Result)
	Failure(result Result)
}

// label names a result by the page title when there is one, else by method and path.
func label(method, rawURL string, doc *html.Node) string {
	if title := DocumentTitle(doc); title != "" {
		return title
	}
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return method + " " + u.Path
	}
	return method + " " + rawURL
}

// ReplayStats is a snapshot of a Collector.
type ReplayStats struct {
	Total       int64         `json:"total"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	Mismatched  int64         `json:"mismatched"`
	BytesRead   int64         `json:"bytesRead"`
	Dropped     int64         `json:"dropped"`
	AverageTime time.Duration `json:"averageTime"`
}

type collectorStats struct {
	total       int64
	succeeded   int64
	failed      int64
	mismatched  int64
	bytesRead   int64
	dropped     int64
	totalTimeNs int64
}

// Collector aggregates replay results and fans them out on a channel. A full channel drops
// the result from the channel but never from the counters.
type Collector struct {
	logger  *slog.Logger
	results chan Result
	stats   collectorStats

	mu     sync.RWMutex
	closed bool
}

func NewCollector(buffer int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Collector{
		logger:  logger,
		results: make(chan Result, buffer),
	}
}

func (c *Collector) Success(result Result) {
	atomic.AddInt64(&c.stats.total, 1)
	atomic.AddInt64(&c.stats.succeeded, 1)
	atomic.AddInt64(&c.stats.bytesRead, result.BytesRead)
	atomic.AddInt64(&c.stats.totalTimeNs, int64(result.Duration))

	if !result.Matched() {
		atomic.AddInt64(&c.stats.mismatched, 1)
		c.logger.Info("replayed status differs from capture",
			"label", result.Label,
			"url", result.URL,
			"expected", result.Expected,
			"actual", result.Actual)
	} else {
		c.logger.Debug("replayed", "label", result.Label, "status", result.Actual, "duration", result.Duration)
	}
	c.publish(result)
}

func (c *Collector) Failure(result Result) {
	atomic.AddInt64(&c.stats.total, 1)
	atomic.AddInt64(&c.stats.failed, 1)
	atomic.AddInt64(&c.stats.totalTimeNs, int64(result.Duration))

	c.logger.Warn("replay failed", "label", result.Label, "url", result.URL, "error", result.Err)
	c.publish(result)
}

func (c *Collector) publish(result Result) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.results <- result:
	default:
		atomic.AddInt64(&c.stats.dropped, 1)
	}
}

// Results streams results until Close.
func (c *Collector) Results() <-chan Result {
	return c.results
}

// Close closes the results channel. Results reported afterwards are only counted.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.results)
	}
}

func (c *Collector) Stats() ReplayStats {
	total := atomic.LoadInt64(&c.stats.total)
	totalTimeNs := atomic.LoadInt64(&c.stats.totalTimeNs)

	var avg time.Duration
	if total > 0 {
		avg = time.Duration(totalTimeNs / total)
	}

	return ReplayStats{
		Total:       total,
		Succeeded:   atomic.LoadInt64(&c.stats.succeeded),
		Failed:      atomic.LoadInt64(&c.stats.failed),
		Mismatched:  atomic.LoadInt64(&c.stats.mismatched),
		BytesRead:   atomic.LoadInt64(&c.stats.bytesRead),
		Dropped:     atomic.LoadInt64(&c.stats.dropped),
		AverageTime: avg,
	}
}
