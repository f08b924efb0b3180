package motor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pb33f/harhar"
)

// MaxEntrySize is the largest single entry the reader will load.
const MaxEntrySize = 100 * 1024 * 1024

var errNoFileHandle = errors.New("failed to get file handle from pool")

// DefaultEntryReader reads entries from the archive with a pool of file handles, one per
// concurrent read.
type DefaultEntryReader struct {
	filePath string
	files    sync.Pool

	mu     sync.Mutex
	opened []*os.File
}

func NewEntryReader(filePath string) *DefaultEntryReader {
	r := &DefaultEntryReader{filePath: filePath}
	r.files.New = func() any {
		file, err := os.Open(filePath)
		if err != nil {
			return nil
		}
		r.mu.Lock()
		r.opened = append(r.opened, file)
		r.mu.Unlock()
		return file
	}
	return r
}

func (r *DefaultEntryReader) Read(ctx context.Context, meta *EntryMetadata, buf *[]byte) (*harhar.Entry, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if meta == nil {
		return nil, 0, errors.New("no entry metadata")
	}
	// a corrupt index must not allocate unbounded buffers
	if meta.Length < 0 || meta.Length > MaxEntrySize {
		return nil, 0, fmt.Errorf("entry size %d exceeds maximum allowed size %d", meta.Length, MaxEntrySize)
	}

	file, _ := r.files.Get().(*os.File)
	if file == nil {
		return nil, 0, errNoFileHandle
	}
	defer r.files.Put(file)

	section := io.NewSectionReader(file, meta.FileOffset, meta.Length)

	var (
		src  io.Reader = section
		read           = meta.Length
	)
	if buf != nil {
		if int64(cap(*buf)) < meta.Length {
			*buf = make([]byte, meta.Length)
		}
		n, err := io.ReadFull(section, (*buf)[:meta.Length])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, int64(n), fmt.Errorf("read failed: %w", err)
		}
		read = int64(n)
		src = bytes.NewReader((*buf)[:n])
	}

	// decoding a large entry is the expensive part
	if err := ctx.Err(); err != nil {
		return nil, read, err
	}

	entry, err := decodeEntry(src)
	if err != nil {
		return nil, read, err
	}
	return entry, read, nil
}

// Close releases every file handle the pool opened.
func (r *DefaultEntryReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, file := range r.opened {
		errs = append(errs, file.Close())
	}
	r.opened = nil
	return errors.Join(errs...)
}
