package writer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"github.com/pb33f/harhar"
)

// ErrClosed is returned for captures handed to a writer after Close.
var ErrClosed = errors.New("har writer is closed")

// DefaultBuffer is the number of captures queued before WriteAsync blocks.
const DefaultBuffer = 256

// Options configures a HARWriter.
type Options struct {
	// Path of the archive to create. Existing files are truncated.
	Path string

	// UploadDir receives uploaded files as <UploadDir>/<started>/<filename>. Defaults to
	// "<Path without extension>-uploads".
	UploadDir string

	Creator harhar.Creator
	Buffer  int
	Logger  *slog.Logger
}

// Stats counts what a HARWriter has persisted.
type Stats struct {
	Path      string `json:"path"`
	UploadDir string `json:"uploadDir"`
	Entries   int64  `json:"entries"`
	Uploads   int64  `json:"uploads"`
	Failed    int64  `json:"failed"`
}

// HARWriter streams completed captures into a HAR file. Entries are encoded on a single
// goroutine in the order WriteAsync accepted them; the document is terminated by Close.
type HARWriter struct {
	path      string
	uploadDir string
	file      *os.File
	out       *bufio.Writer
	logger    *slog.Logger

	entries chan *archive.CaptureRequest
	done    chan struct{}
	err     error

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	uploads atomic.Int64
	failed  atomic.Int64
}

var _ capture.Writer = (*HARWriter)(nil)

// DefaultUploadDir is the upload directory used for an archive when none is configured.
func DefaultUploadDir(archivePath string) string {
	return strings.TrimSuffix(archivePath, filepath.Ext(archivePath)) + "-uploads"
}

// NewHARWriter creates the archive and writes the document preamble.
func NewHARWriter(opts Options) (*HARWriter, error) {
	if opts.Path == "" {
		return nil, errors.New("har writer requires a path")
	}
	if opts.UploadDir == "" {
		opts.UploadDir = DefaultUploadDir(opts.Path)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Creator.Name == "" {
		opts.Creator = harhar.Creator{Name: "harcap", Version: "dev"}
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	creator, err := json.Marshal(opts.Creator)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("encode creator: %w", err)
	}

	w := &HARWriter{
		path:      opts.Path,
		uploadDir: opts.UploadDir,
		file:      file,
		out:       bufio.NewWriterSize(file, 64*1024),
		logger:    opts.Logger,
		entries:   make(chan *archive.CaptureRequest, opts.Buffer),
		done:      make(chan struct{}),
	}

	if _, err := fmt.Fprintf(w.out, `{"log":{"version":"1.2","creator":%s,"entries":[`, creator); err != nil {
		file.Close()
		return nil, fmt.Errorf("write preamble: %w", err)
	}

	go w.loop()
	return w, nil
}

// WriteAsync queues a capture for encoding. It blocks only while the queue is full.
func (w *HARWriter) WriteAsync(c *archive.CaptureRequest) error {
	if c == nil {
		return errors.New("nil capture")
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	w.entries <- c
	return nil
}

// WriteUpload stores an uploaded file next to the archive, keyed by the capture start time.
func (w *HARWriter) WriteUpload(upload capture.Upload, startedDateTime int64) error {
	name := uploadName(upload)
	dir := filepath.Join(w.uploadDir, strconv.FormatInt(startedDateTime, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("create upload %s: %w", name, err)
	}
	n, err := io.Copy(f, upload.Content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write upload %s: %w", name, err)
	}

	w.uploads.Add(1)
	w.logger.Debug("upload stored", "field", upload.Name, "file", name, "bytes", n, "started", startedDateTime)
	return nil
}

// uploadName keeps only the final path element of the client supplied file name.
func uploadName(upload capture.Upload) string {
	name := filepath.Base(strings.ReplaceAll(upload.FileName, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = filepath.Base(upload.Name)
	}
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return name
}

func (w *HARWriter) loop() {
	defer close(w.done)

	first := true
	for c := range w.entries {
		data, err := json.Marshal(c.Entry())
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("failed to encode capture", "url", c.Request().URL, "error", err)
			continue
		}

		if !first {
			w.out.WriteByte(',')
		}
		w.out.WriteByte('\n')
		if _, err := w.out.Write(data); err != nil {
			w.failed.Add(1)
			if w.err == nil {
				w.err = err
				w.logger.Error("failed to write capture", "path", w.path, "error", err)
			}
			continue
		}
		first = false
		w.written.Add(1)

		if len(w.entries) == 0 {
			if err := w.out.Flush(); err != nil && w.err == nil {
				w.err = err
				w.logger.Error("failed to flush archive", "path", w.path, "error", err)
			}
		}
	}
}

// Close drains queued captures, terminates the document and closes the file. Later calls
// return nil.
func (w *HARWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.entries)
	w.mu.Unlock()

	<-w.done

	_, writeErr := w.out.WriteString("\n]}}\n")
	flushErr := w.out.Flush()
	closeErr := w.file.Close()

	w.logger.Info("archive closed", "path", w.path, "entries", w.written.Load(), "uploads", w.uploads.Load())
	return errors.Join(w.err, writeErr, flushErr, closeErr)
}

func (w *HARWriter) Path() string {
	return w.path
}

func (w *HARWriter) UploadDir() string {
	return w.uploadDir
}

func (w *HARWriter) Stats() Stats {
	return Stats{
		Path:      w.path,
		UploadDir: w.uploadDir,
		Entries:   w.written.Load(),
		Uploads:   w.uploads.Load(),
		Failed:    w.failed.Load(),
	}
}
