package motor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harhar"
)

// ErrNotInitialized is returned by reads before Initialize has built the index.
var ErrNotInitialized = errors.New("streamer has not been initialized")

var (
	_ HARStreamer  = (*DefaultHARStreamer)(nil)
	_ IndexBuilder = (*DefaultIndexBuilder)(nil)
	_ EntryReader  = (*DefaultEntryReader)(nil)
)

type DefaultHARStreamer struct {
	filePath string
	options  StreamerOptions
	index    *Index
	reader   EntryReader
	bufPool  sync.Pool
	stats    atomicStats
}

type atomicStats struct {
	totalReads      int64
	bytesRead       int64
	entriesParsed   int64
	parseErrors     int64
	totalReadTimeNs int64
}

func NewHARStreamer(filePath string, options StreamerOptions) (*DefaultHARStreamer, error) {
	if filePath == "" {
		return nil, fmt.Errorf("har file path is required")
	}
	if options.ReadBufferSize <= 0 {
		options.ReadBufferSize = DefaultStreamerOptions().ReadBufferSize
	}

	streamer := &DefaultHARStreamer{
		filePath: filePath,
		options:  options,
	}
	streamer.bufPool.New = func() any {
		buf := make([]byte, streamer.options.ReadBufferSize)
		return &buf
	}
	return streamer, nil
}

func (s *DefaultHARStreamer) Initialize(ctx context.Context) error {
	return s.InitializeWithProgress(ctx, nil)
}

func (s *DefaultHARStreamer) InitializeWithProgress(ctx context.Context, progressChan chan<- IndexProgress) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	builder := NewIndexBuilder(s.filePath)
	index, err := builder.BuildWithProgress(file, fileInfo.Size(), progressChan)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.index = index
	s.reader = NewEntryReader(s.filePath)
	return nil
}

func (s *DefaultHARStreamer) GetEntry(ctx context.Context, index int) (*harhar.Entry, error) {
	if s.index == nil {
		return nil, ErrNotInitialized
	}
	if index < 0 || index >= s.index.TotalEntries {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, s.index.TotalEntries)
	}

	start := time.Now()
	metadata := s.index.Entries[index]

	bufPtr := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufPtr)

	entry, read, err := s.reader.Read(ctx, metadata, bufPtr)
	if err != nil {
		atomic.AddInt64(&s.stats.parseErrors, 1)
		return nil, fmt.Errorf("failed to read entry %d: %w", index, err)
	}

	atomic.AddInt64(&s.stats.totalReads, 1)
	atomic.AddInt64(&s.stats.entriesParsed, 1)
	atomic.AddInt64(&s.stats.bytesRead, read)
	atomic.AddInt64(&s.stats.totalReadTimeNs, int64(time.Since(start)))

	return entry, nil
}

func (s *DefaultHARStreamer) GetCapture(ctx context.Context, index int) (*archive.CaptureRequest, error) {
	res := s.read(ctx, index)
	return res.Capture, res.Error
}

func (s *DefaultHARStreamer) read(ctx context.Context, index int) StreamResult {
	entry, err := s.GetEntry(ctx, index)
	if err != nil {
		return StreamResult{Index: index, Error: err}
	}
	captured, err := archive.FromEntry(*entry)
	if err != nil {
		atomic.AddInt64(&s.stats.parseErrors, 1)
		return StreamResult{Index: index, Entry: entry, Error: fmt.Errorf("entry %d: %w", index, err)}
	}
	return StreamResult{Index: index, Entry: entry, Capture: captured}
}

func (s *DefaultHARStreamer) StreamCaptures(ctx context.Context, filter func(*EntryMetadata) bool) (<-chan StreamResult, error) {
	if s.index == nil {
		return nil, ErrNotInitialized
	}

	var matchingIndices []int
	for i, metadata := range s.index.Entries {
		if filter == nil || filter(metadata) {
			matchingIndices = append(matchingIndices, i)
		}
	}

	return s.streamIndices(ctx, matchingIndices), nil
}

type streamJob struct {
	seq   int
	index int
}

type streamDone struct {
	seq    int
	result StreamResult
}

// streamIndices reads the given entries with a pool of workers. In ordered mode results that
// finish ahead of a slower one wait in pending until it is emitted.
func (s *DefaultHARStreamer) streamIndices(ctx context.Context, indices []int) <-chan StreamResult {
	workerCount := max(s.options.WorkerCount, 1)
	resultChan := make(chan StreamResult, workerCount)

	go func() {
		defer close(resultChan)

		jobs := make(chan streamJob, workerCount*2)
		finished := make(chan streamDone, workerCount)

		var wg sync.WaitGroup
		for range workerCount {
			wg.Go(func() {
				for job := range jobs {
					if ctx.Err() != nil {
						return
					}
					select {
					case finished <- streamDone{seq: job.seq, result: s.read(ctx, job.index)}:
					case <-ctx.Done():
						return
					}
				}
			})
		}

		go func() {
			defer close(jobs)
			for seq, idx := range indices {
				select {
				case <-ctx.Done():
					return
				case jobs <- streamJob{seq: seq, index: idx}:
				}
			}
		}()

		go func() {
			wg.Wait()
			close(finished)
		}()

		emit := func(res StreamResult) {
			select {
			case resultChan <- res:
			case <-ctx.Done():
			}
		}

		pending := make(map[int]StreamResult)
		next := 0
		for done := range finished {
			if !s.options.Ordered {
				emit(done.result)
				continue
			}
			pending[done.seq] = done.result
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				emit(res)
			}
		}
	}()

	return resultChan
}

func (s *DefaultHARStreamer) GetMetadata(index int) (*EntryMetadata, error) {
	if s.index == nil {
		return nil, ErrNotInitialized
	}
	if index < 0 || index >= s.index.TotalEntries {
		return nil, fmt.Errorf("index %d out of range", index)
	}

	return s.index.Entries[index], nil
}

func (s *DefaultHARStreamer) GetIndex() *Index {
	return s.index
}

func (s *DefaultHARStreamer) Close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}

func (s *DefaultHARStreamer) Stats() StreamerStats {
	totalReads := atomic.LoadInt64(&s.stats.totalReads)
	totalTimeNs := atomic.LoadInt64(&s.stats.totalReadTimeNs)

	var avgTime time.Duration
	if totalReads > 0 {
		avgTime = time.Duration(totalTimeNs / totalReads)
	}

	return StreamerStats{
		TotalReads:      totalReads,
		BytesRead:       atomic.LoadInt64(&s.stats.bytesRead),
		EntriesParsed:   atomic.LoadInt64(&s.stats.entriesParsed),
		ParseErrors:     atomic.LoadInt64(&s.stats.parseErrors),
		AverageReadTime: avgTime,
	}
}
