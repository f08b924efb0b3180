package capture

import (
	"io"

	"github.com/pb33f/harcap/archive"
)

// Writer persists completed captures. Implementations own the archive format.
type Writer interface {
	// WriteAsync accepts a completed capture and returns without waiting for durable storage.
	WriteAsync(capture *archive.CaptureRequest) error

	// WriteUpload consumes the bytes of one uploaded file belonging to the capture started at
	// startedDateTime (epoch millis). The reader is only valid for the duration of the call.
	WriteUpload(upload Upload, startedDateTime int64) error
}

// Upload is a streamed file upload field.
type Upload struct {
	Name        string
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
}
