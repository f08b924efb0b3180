package motor

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pb33f/harhar"
)

// tokenDecoder is the encoding/json implementation of HARDecoder.
type tokenDecoder struct {
	*json.Decoder
}

func newHARDecoder(r io.Reader) HARDecoder {
	d := json.NewDecoder(r)
	d.UseNumber()
	return tokenDecoder{Decoder: d}
}

// skipValue discards the next value. Nesting is tracked with a counter, object keys are plain
// tokens in between.
func skipValue(decoder HARDecoder) error {
	depth := 0
	for {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		switch token {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth <= 0 {
			return nil
		}
	}
}

// decodeEntry decodes one entry read from its indexed span. Spans start before the array
// separator, which is skipped.
func decodeEntry(r io.Reader) (*harhar.Entry, error) {
	var entry harhar.Entry
	if err := json.NewDecoder(&separatorSkipper{reader: r}).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return &entry, nil
}

// separatorSkipper drops the comma and whitespace in front of an entry.
type separatorSkipper struct {
	reader io.Reader
	inBody bool
}

func (s *separatorSkipper) Read(p []byte) (int, error) {
	for {
		n, err := s.reader.Read(p)
		if s.inBody || n == 0 {
			return n, err
		}
		start := 0
		for start < n && isSeparator(p[start]) {
			start++
		}
		if start < n {
			s.inBody = true
			return copy(p, p[start:n]), err
		}
		if err != nil {
			return 0, err
		}
	}
}

func isSeparator(b byte) bool {
	switch b {
	case ',', ' ', '\n', '\r', '\t':
		return true
	}
	return false
}
