package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"os"
)

type multipartState int

const (
	mpPreamble multipartState = iota
	mpBoundaryTail
	mpHeaders
	mpBody
	mpEpilogue
)

const maxPartHeaderSize = 16 * 1024

var errTruncatedMultipart = errors.New("multipart body ended before the closing boundary")

// multipartDecoder is a push-mode multipart/form-data parser. Body bytes are consumed as they
// arrive; only a delimiter-sized tail is held back between chunks. File parts are spooled to a
// temporary file so upload size never affects memory use.
type multipartDecoder struct {
	dashBoundary []byte
	delimiter    []byte
	spoolDir     string

	state multipartState
	buf   []byte
	part  *partWriter
	queue fieldQueue
}

type partWriter struct {
	name        string
	fileName    string
	contentType string
	value       bytes.Buffer
	file        *os.File
	size        int64
}

func newMultipartDecoder(boundary, spoolDir string) *multipartDecoder {
	return &multipartDecoder{
		dashBoundary: []byte("--" + boundary),
		delimiter:    []byte("\r\n--" + boundary),
		spoolDir:     spoolDir,
	}
}

func (d *multipartDecoder) offer(data []byte, last bool) error {
	d.buf = append(d.buf, data...)

	for progressed := true; progressed; {
		var err error
		progressed, err = d.step()
		if err != nil {
			return err
		}
	}

	if last && (d.state == mpHeaders || d.state == mpBody || d.state == mpBoundaryTail) {
		return errTruncatedMultipart
	}
	return nil
}

// step advances the state machine once and reports whether it made progress.
func (d *multipartDecoder) step() (bool, error) {
	switch d.state {
	case mpPreamble:
		i := bytes.Index(d.buf, d.dashBoundary)
		if i < 0 {
			d.keepTail(len(d.dashBoundary) - 1)
			return false, nil
		}
		d.consume(i + len(d.dashBoundary))
		d.state = mpBoundaryTail
		return true, nil

	case mpBoundaryTail:
		if len(d.buf) < 2 {
			return false, nil
		}
		if bytes.HasPrefix(d.buf, []byte("--")) {
			d.state = mpEpilogue
			d.buf = d.buf[:0]
			return false, nil
		}
		i := bytes.Index(d.buf, []byte("\r\n"))
		if i < 0 {
			return false, nil
		}
		if len(bytes.Trim(d.buf[:i], " \t")) > 0 {
			return false, fmt.Errorf("unexpected bytes after multipart boundary: %q", d.buf[:i])
		}
		d.consume(i + 2)
		d.state = mpHeaders
		return true, nil

	case mpHeaders:
		if bytes.HasPrefix(d.buf, []byte("\r\n")) {
			d.consume(2)
			return true, d.startPart(textproto.MIMEHeader{})
		}
		i := bytes.Index(d.buf, []byte("\r\n\r\n"))
		if i < 0 {
			if len(d.buf) > maxPartHeaderSize {
				return false, fmt.Errorf("multipart part headers exceed %d bytes", maxPartHeaderSize)
			}
			return false, nil
		}
		header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(d.buf[:i+4]))).ReadMIMEHeader()
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("read multipart part headers: %w", err)
		}
		d.consume(i + 4)
		return true, d.startPart(header)

	case mpBody:
		i := bytes.Index(d.buf, d.delimiter)
		if i < 0 {
			safe := len(d.buf) - (len(d.delimiter) - 1)
			if safe > 0 {
				if err := d.part.write(d.buf[:safe]); err != nil {
					return false, err
				}
				d.consume(safe)
			}
			return false, nil
		}
		if err := d.part.write(d.buf[:i]); err != nil {
			return false, err
		}
		d.consume(i + len(d.delimiter))
		if err := d.finishPart(); err != nil {
			return false, err
		}
		d.state = mpBoundaryTail
		return true, nil

	case mpEpilogue:
		d.buf = d.buf[:0]
		return false, nil
	}

	return false, fmt.Errorf("unknown multipart state %d", d.state)
}

func (d *multipartDecoder) startPart(header textproto.MIMEHeader) error {
	part := &partWriter{contentType: header.Get("Content-Type")}

	if cd := header.Get("Content-Disposition"); cd != "" {
		_, params, err := mime.ParseMediaType(cd)
		if err != nil {
			return fmt.Errorf("parse content-disposition %q: %w", cd, err)
		}
		part.name = params["name"]
		part.fileName = params["filename"]
	}

	if part.fileName != "" {
		if part.contentType == "" {
			part.contentType = "application/octet-stream"
		}
		file, err := os.CreateTemp(d.spoolDir, "harcap-upload-*")
		if err != nil {
			return fmt.Errorf("create upload spool file: %w", err)
		}
		part.file = file
	}

	d.part = part
	d.state = mpBody
	return nil
}

func (d *multipartDecoder) finishPart() error {
	part := d.part
	d.part = nil

	if part.file == nil {
		if part.name != "" {
			d.queue.push(field{name: part.name, value: part.value.String()})
		}
		return nil
	}

	path := part.file.Name()
	if err := part.file.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close upload spool file: %w", err)
	}
	spooled := &spooledFile{path: path, size: part.size}
	if part.name == "" {
		return spooled.remove()
	}

	d.queue.push(field{
		name:        part.name,
		fileName:    part.fileName,
		contentType: part.contentType,
		upload:      spooled,
	})
	return nil
}

func (p *partWriter) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if p.file != nil {
		n, err := p.file.Write(b)
		p.size += int64(n)
		if err != nil {
			return fmt.Errorf("spool upload %s: %w", p.fileName, err)
		}
		return nil
	}
	if p.value.Len()+len(b) > maxFieldSize {
		return fmt.Errorf("multipart field %q exceeds %d bytes", p.name, maxFieldSize)
	}
	p.value.Write(b)
	return nil
}

// consume drops n bytes from the front of the buffer, reusing its storage.
func (d *multipartDecoder) consume(n int) {
	m := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:m]
}

// keepTail keeps only the last n bytes, which may hold the start of a boundary.
func (d *multipartDecoder) keepTail(n int) {
	if len(d.buf) > n {
		d.consume(len(d.buf) - n)
	}
}

func (d *multipartDecoder) next() (field, bool) {
	return d.queue.next()
}

func (d *multipartDecoder) destroy() {
	if d.part != nil && d.part.file != nil {
		path := d.part.file.Name()
		_ = d.part.file.Close()
		_ = os.Remove(path)
	}
	d.part = nil
	d.buf = nil
	d.queue.discard()
}
