package motor

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harhar"
)

// HARStreamer streams captures out of a HAR archive. It provides random access and filtered
// streaming without loading the entire file into memory.
type HARStreamer interface {
	// Initialize builds the index and prepares the streamer for reading
	Initialize(ctx context.Context) error

	// GetEntry retrieves a single raw entry by index
	GetEntry(ctx context.Context, index int) (*harhar.Entry, error)

	// GetCapture retrieves a single entry by index as a capture
	GetCapture(ctx context.Context, index int) (*archive.CaptureRequest, error)

	// StreamCaptures streams the captures of every entry accepted by filter. A nil filter
	// accepts everything.
	StreamCaptures(ctx context.Context, filter func(*EntryMetadata) bool) (<-chan StreamResult, error)

	// GetMetadata returns the indexed metadata of an entry without reading it
	GetMetadata(index int) (*EntryMetadata, error)

	// GetIndex returns the complete index
	GetIndex() *Index

	// Close releases all resources
	Close() error

	// Stats returns current streamer statistics
	Stats() StreamerStats
}

// HARDecoder provides JSON decoding abstraction for swapping decoders
type HARDecoder interface {
	// Token returns the next JSON token in the input stream
	Token() (json.Token, error)

	// Decode decodes the next JSON value into v
	Decode(v any) error

	// More reports whether there is another element in the current array or object
	More() bool

	// InputOffset returns the input stream byte offset of the current decoder position
	InputOffset() int64
}

// IndexBuilder builds the lightweight index of all entries in a HAR file
type IndexBuilder interface {
	// Build constructs the index by scanning the entire HAR file
	Build(reader io.Reader) (*Index, error)

	// GetIndex returns the completed index
	GetIndex() *Index
}

// EntryReader reads individual entries at their indexed spans.
type EntryReader interface {
	// Read loads the entry described by meta. When buf is not nil it is used, and grown, for
	// the raw bytes. Returns the entry and the number of bytes read.
	Read(ctx context.Context, meta *EntryMetadata, buf *[]byte) (*harhar.Entry, int64, error)

	Close() error
}
