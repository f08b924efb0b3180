package capture

import (
	"bytes"
	"fmt"
	"net/url"
)

// urlEncodedDecoder splits an application/x-www-form-urlencoded body into fields as soon as
// each '&' separated pair is complete. The trailing pair is only known at the last chunk.
type urlEncodedDecoder struct {
	buf   []byte
	queue fieldQueue
}

func (d *urlEncodedDecoder) offer(data []byte, last bool) error {
	d.buf = append(d.buf, data...)

	for {
		i := bytes.IndexByte(d.buf, '&')
		if i < 0 {
			break
		}
		if err := d.emit(d.buf[:i]); err != nil {
			return err
		}
		n := copy(d.buf, d.buf[i+1:])
		d.buf = d.buf[:n]
	}

	if len(d.buf) > maxFieldSize {
		return fmt.Errorf("url-encoded field exceeds %d bytes", maxFieldSize)
	}

	if last && len(d.buf) > 0 {
		if err := d.emit(d.buf); err != nil {
			return err
		}
		d.buf = d.buf[:0]
	}
	return nil
}

func (d *urlEncodedDecoder) emit(pair []byte) error {
	if len(pair) == 0 {
		return nil
	}

	rawName, rawValue, _ := bytes.Cut(pair, []byte("="))
	name, err := url.QueryUnescape(string(rawName))
	if err != nil {
		return fmt.Errorf("decode field name %q: %w", rawName, err)
	}
	if name == "" {
		return nil
	}
	value, err := url.QueryUnescape(string(rawValue))
	if err != nil {
		return fmt.Errorf("decode value of field %q: %w", name, err)
	}

	d.queue.push(field{name: name, value: value})
	return nil
}

func (d *urlEncodedDecoder) next() (field, bool) {
	return d.queue.next()
}

func (d *urlEncodedDecoder) destroy() {
	d.buf = nil
	d.queue.discard()
}
