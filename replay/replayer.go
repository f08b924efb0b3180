package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"github.com/pb33f/harcap/motor"
)

const (
	readChunkSize = 32 * 1024

	// entries waiting for a pinned worker
	pinnedQueueSize = 64
)

// Options configures a replay run.
type Options struct {
	// Target replaces the scheme and host of every captured URL. Nil replays against the
	// captured hosts.
	Target *url.URL

	// Workers is the number of concurrent exchanges. Defaults to runtime.NumCPU().
	Workers int

	// Persistent carries cookies and scraped fields between requests of a virtual user.
	Persistent bool

	// Blocking serializes the requests of each persistent virtual user and replays them in
	// archive order.
	Blocking bool

	// SessionCookie names the cookie that identifies a virtual user in captures that carry no
	// client address.
	SessionCookie string

	LatchTimeout time.Duration

	// Filter selects the entries to replay. Nil replays everything.
	Filter *motor.EntryFilter

	Client  *http.Client
	Uploads UploadOpener
	Logger  *slog.Logger
}

// Replayer replays the entries of an archive through a pool of workers, one Handler per
// exchange, and reports every exchange to a ResultListener.
type Replayer struct {
	streamer motor.HARStreamer
	listener ResultListener
	sessions *SessionStore
	opts     Options
	client   *http.Client
	logger   *slog.Logger
	bufPool  sync.Pool
	inFlight atomic.Int64
}

func NewReplayer(streamer motor.HARStreamer, listener ResultListener, opts Options) *Replayer {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.LatchTimeout <= 0 {
		opts.LatchTimeout = DefaultLatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			// captured redirects are replayed as their own entries
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Replayer{
		streamer: streamer,
		listener: listener,
		sessions: NewSessionStore(),
		opts:     opts,
		client:   client,
		logger:   opts.Logger,
		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, readChunkSize)
				return &buf
			},
		},
	}
}

// Sessions exposes the virtual users of the run.
func (r *Replayer) Sessions() *SessionStore {
	return r.sessions
}

// InFlight returns the number of exchanges currently being replayed.
func (r *Replayer) InFlight() int64 {
	return r.inFlight.Load()
}

// Run replays every selected entry and returns when all of them have been reported or ctx is
// cancelled. When persistent users are blocking, each user is pinned to one worker, so its
// requests are replayed one after the other in archive order and every page is fully read,
// with its hidden fields scraped, before the next request of the user is built.
func (r *Replayer) Run(ctx context.Context) error {
	filter := func(*motor.EntryMetadata) bool { return true }
	if r.opts.Filter != nil {
		filter = r.opts.Filter.Match
	}

	results, err := r.streamer.StreamCaptures(ctx, filter)
	if err != nil {
		return fmt.Errorf("stream archive entries: %w", err)
	}

	if r.opts.Persistent && r.opts.Blocking {
		r.runPinned(ctx, results)
	} else {
		r.runShared(ctx, results)
	}
	return ctx.Err()
}

func (r *Replayer) runShared(ctx context.Context, results <-chan motor.StreamResult) {
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Go(func() {
			for res := range results {
				if ctx.Err() != nil {
					continue
				}
				r.replayEntry(ctx, res)
			}
		})
	}
	wg.Wait()
}

func (r *Replayer) runPinned(ctx context.Context, results <-chan motor.StreamResult) {
	queues := make([]chan motor.StreamResult, r.opts.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queue := make(chan motor.StreamResult, pinnedQueueSize)
		queues[i] = queue
		wg.Go(func() {
			for res := range queue {
				if ctx.Err() != nil {
					continue
				}
				r.replayEntry(ctx, res)
			}
		})
	}

	workers := uint64(len(queues))
	for res := range results {
		slot := uint64(res.Index) % workers
		if res.Capture != nil {
			slot = uint64(KeyForRequest(res.Capture.Request(), r.opts.SessionCookie)) % workers
		}
		queues[slot] <- res
	}
	for _, queue := range queues {
		close(queue)
	}
	wg.Wait()
}

func (r *Replayer) replayEntry(ctx context.Context, res motor.StreamResult) {
	if res.Error != nil || res.Capture == nil {
		failure := Result{Index: res.Index, Label: fmt.Sprintf("entry %d", res.Index), Err: res.Error}
		if res.Entry != nil {
			failure.Method = res.Entry.Request.Method
			failure.URL = res.Entry.Request.URL
			failure.Label = label(failure.Method, failure.URL, nil)
		}
		if failure.Err == nil {
			failure.Err = errors.New("entry has no capture")
		}
		r.listener.Failure(failure)
		return
	}

	key := KeyForRequest(res.Capture.Request(), r.opts.SessionCookie)
	r.Exchange(ctx, &Request{
		Index:    res.Index,
		Capture:  res.Capture,
		Agent:    r.sessions.GetOrCreate(key, r.opts.Persistent),
		Blocking: r.opts.Blocking,
		Target:   r.opts.Target,
		Uploads:  r.opts.Uploads,
	})
}

// Exchange replays one request, reports it to the listener and returns the result.
func (r *Replayer) Exchange(ctx context.Context, req *Request) Result {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	result := Result{Index: req.Index}
	if req.Capture != nil {
		head := req.Capture.Request()
		result.Method = head.Method
		result.URL = head.URL
		result.Expected = req.ExpectedStatus()
	}
	if req.Agent != nil {
		result.Session = req.Agent.Key()
	}

	start := time.Now()
	handler := NewHandler(HandlerOptions{Logger: r.logger, LatchTimeout: r.opts.LatchTimeout})

	out, err := handler.Write(ctx, req)
	if err != nil {
		return r.failed(result, start, err)
	}
	result.URL = out.URL.String()

	resp, err := r.client.Do(out)
	if err != nil {
		handler.Fail(err)
		return r.failed(result, start, err)
	}
	defer resp.Body.Close()

	result.Actual = resp.StatusCode
	if _, err := handler.Read(responseStart(resp)); err != nil {
		handler.Fail(err)
		return r.failed(result, start, err)
	}

	bufPtr := r.bufPool.Get().(*[]byte)
	defer r.bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, readErr := resp.Body.Read(buf)
		result.BytesRead += int64(n)

		if errors.Is(readErr, io.EOF) {
			ev, err := handler.Read(capture.LastChunk{Data: buf[:n]})
			if err != nil {
				handler.Fail(err)
				return r.failed(result, start, err)
			}
			if last, ok := ev.(ReplayLastChunk); ok {
				result.Document = last.Document
			}
			break
		}
		if readErr != nil {
			handler.Fail(readErr)
			return r.failed(result, start, fmt.Errorf("read response body: %w", readErr))
		}
		if n > 0 {
			if _, err := handler.Read(capture.Chunk{Data: buf[:n]}); err != nil {
				handler.Fail(err)
				return r.failed(result, start, err)
			}
		}
	}

	result.Duration = time.Since(start)
	result.Label = label(result.Method, result.URL, result.Document)
	r.listener.Success(result)
	return result
}

func (r *Replayer) failed(result Result, start time.Time, err error) Result {
	result.Err = err
	result.Duration = time.Since(start)
	result.Label = label(result.Method, result.URL, nil)
	r.listener.Failure(result)
	return result
}

func responseStart(resp *http.Response) capture.ResponseStart {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	return capture.ResponseStart{
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Proto:      resp.Proto,
		Headers:    archive.HeadersFromHTTP(resp.Header),
	}
}
