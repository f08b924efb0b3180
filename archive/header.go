package archive

import (
	"net/http"
	"sort"
	"strings"
)

// Header is a single name/value header line.
type Header struct {
	Name  string
	Value string
}

// Headers keeps header lines in wire order, duplicates preserved.
type Headers []Header

// HeadersFromHTTP flattens a net/http header map. The map carries no wire order, so names
// are sorted; values of one name keep their order.
func HeadersFromHTTP(h http.Header) Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(Headers, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// Get returns the first value for name, case-insensitively.
func (h Headers) Get(name string) string {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var values []string
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			values = append(values, header.Value)
		}
	}
	return values
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// HTTP converts the headers into a net/http header map.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, header := range h {
		out.Add(header.Name, header.Value)
	}
	return out
}
