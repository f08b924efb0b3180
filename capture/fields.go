package capture

import (
	"fmt"
	"mime"
	"os"
)

const (
	mediaFormURLEncoded = "application/x-www-form-urlencoded"
	mediaMultipartForm  = "multipart/form-data"

	// maxFieldSize bounds a single in-memory form value. Uploads are spooled to disk instead.
	maxFieldSize = 10 * 1024 * 1024
)

// fieldDecoder is an incremental form body decoder. Chunks are offered in delivery order and
// fully decoded fields are drained with next.
type fieldDecoder interface {
	offer(data []byte, last bool) error
	next() (field, bool)
	destroy()
}

// field is one decoded form field. upload is set for file parts.
type field struct {
	name        string
	value       string
	fileName    string
	contentType string
	upload      *spooledFile
}

// spooledFile is the temporary storage of one uploaded file.
type spooledFile struct {
	path string
	size int64
}

func (s *spooledFile) open() (*os.File, error) {
	return os.Open(s.path)
}

func (s *spooledFile) remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// fieldQueue holds decoded fields until they are drained.
type fieldQueue struct {
	fields []field
}

func (q *fieldQueue) push(f field) {
	q.fields = append(q.fields, f)
}

func (q *fieldQueue) next() (field, bool) {
	if len(q.fields) == 0 {
		return field{}, false
	}
	f := q.fields[0]
	q.fields[0] = field{}
	q.fields = q.fields[1:]
	return f, true
}

func (q *fieldQueue) discard() {
	for _, f := range q.fields {
		if f.upload != nil {
			_ = f.upload.remove()
		}
	}
	q.fields = nil
}

func newFieldDecoder(contentType, spoolDir string) (fieldDecoder, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse form content type %q: %w", contentType, err)
	}

	switch mt {
	case mediaFormURLEncoded:
		return &urlEncodedDecoder{}, nil
	case mediaMultipartForm:
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart content type %q has no boundary", contentType)
		}
		return newMultipartDecoder(boundary, spoolDir), nil
	default:
		return nil, fmt.Errorf("no field decoder for %q", mt)
	}
}
