package motor

import (
	"fmt"
	"regexp"
	"strings"
)

// SearchMode defines how a filter pattern is matched
type SearchMode int

const (
	PlainText SearchMode = iota
	Regex
)

func (m SearchMode) String() string {
	if m == Regex {
		return "regex"
	}
	return "plaintext"
}

// ParseSearchMode accepts "plaintext" (or "") and "regex".
func ParseSearchMode(s string) (SearchMode, error) {
	switch strings.ToLower(s) {
	case "", "plain", "plaintext":
		return PlainText, nil
	case "regex", "regexp":
		return Regex, nil
	}
	return PlainText, fmt.Errorf("unknown search mode %q", s)
}

// FilterOptions selects archive entries.
type FilterOptions struct {
	// Pattern is matched against "METHOD URL". Empty matches everything.
	Pattern string
	Mode    SearchMode

	// Methods restricts entries to these methods when not empty.
	Methods []string

	// Hosts restricts entries to these hosts (host[:port]) when not empty.
	Hosts []string
}

// EntryFilter is a compiled FilterOptions.
type EntryFilter struct {
	pattern compiledPattern
	methods map[string]bool
	hosts   map[string]bool
}

// compiledPattern holds a compiled search pattern
type compiledPattern struct {
	mode      SearchMode
	plainText string
	regex     *regexp.Regexp
}

func NewEntryFilter(opts FilterOptions) (*EntryFilter, error) {
	pattern, err := compilePattern(opts.Pattern, opts.Mode)
	if err != nil {
		return nil, err
	}

	f := &EntryFilter{pattern: pattern}
	if len(opts.Methods) > 0 {
		f.methods = make(map[string]bool, len(opts.Methods))
		for _, m := range opts.Methods {
			f.methods[strings.ToUpper(m)] = true
		}
	}
	if len(opts.Hosts) > 0 {
		f.hosts = make(map[string]bool, len(opts.Hosts))
		for _, h := range opts.Hosts {
			f.hosts[strings.ToLower(h)] = true
		}
	}
	return f, nil
}

// Match reports whether the entry is selected.
func (f *EntryFilter) Match(metadata *EntryMetadata) bool {
	if f.methods != nil && !f.methods[strings.ToUpper(metadata.Method)] {
		return false
	}
	if f.hosts != nil && !f.hosts[strings.ToLower(metadata.Host)] {
		return false
	}
	return matches(metadata.Method+" "+metadata.URL, f.pattern)
}

// compilePattern compiles a search pattern based on search mode
func compilePattern(pattern string, mode SearchMode) (compiledPattern, error) {
	cp := compiledPattern{
		mode: mode,
	}

	if mode == Regex {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return cp, fmt.Errorf("invalid regex pattern: %w", err)
		}
		cp.regex = regex
	} else {
		cp.plainText = pattern
	}

	return cp, nil
}

// matches checks if haystack matches the compiled pattern
func matches(haystack string, pattern compiledPattern) bool {
	if pattern.mode == Regex {
		return pattern.regex.MatchString(haystack)
	}

	// plain text: use strings.contains (faster than regex)
	return strings.Contains(haystack, pattern.plainText)
}
