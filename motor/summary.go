package motor

import (
	"sort"
	"time"
)

// Count is a value and how many entries carry it.
type Count struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Summary describes an indexed archive without reading any entry bodies.
type Summary struct {
	FilePath      string        `json:"filePath"`
	FileSize      int64         `json:"fileSize"`
	FileHash      string        `json:"fileHash"`
	Creator       string        `json:"creator"`
	Entries       int           `json:"entries"`
	UniqueURLs    int           `json:"uniqueUrls"`
	WithPostData  int           `json:"withPostData"`
	RequestBytes  int64         `json:"requestBytes"`
	ResponseBytes int64         `json:"responseBytes"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Span          time.Duration `json:"span"`
	Methods       []Count       `json:"methods"`
	Hosts         []Count       `json:"hosts"`
	Statuses      []Count       `json:"statuses"`
}

// Summarize aggregates the index by method, host and status class.
func Summarize(idx *Index) Summary {
	s := Summary{
		FilePath:      idx.FilePath,
		FileSize:      idx.FileSize,
		FileHash:      idx.FileHash,
		Entries:       idx.TotalEntries,
		UniqueURLs:    idx.UniqueURLs,
		RequestBytes:  idx.TotalRequestBytes,
		ResponseBytes: idx.TotalResponseBytes,
		Start:         idx.TimeRange.Start,
		End:           idx.TimeRange.End,
		Span:          idx.TimeRange.End.Sub(idx.TimeRange.Start),
	}
	if idx.Creator != nil {
		s.Creator = idx.Creator.Name
		if idx.Creator.Version != "" {
			s.Creator += " " + idx.Creator.Version
		}
	}

	methods := make(map[string]int)
	hosts := make(map[string]int)
	statuses := make(map[string]int)
	for _, e := range idx.Entries {
		methods[e.Method]++
		hosts[e.Host]++
		statuses[statusClass(e.StatusCode)]++
		if e.HasPostData {
			s.WithPostData++
		}
	}

	s.Methods = sortedCounts(methods)
	s.Hosts = sortedCounts(hosts)
	s.Statuses = sortedCounts(statuses)
	return s
}

func statusClass(code int) string {
	switch {
	case code >= 100 && code < 600:
		return string(rune('0'+code/100)) + "xx"
	default:
		return "other"
	}
}

func sortedCounts(m map[string]int) []Count {
	counts := make([]Count, 0, len(m))
	for v, n := range m {
		counts = append(counts, Count{Value: v, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Value < counts[j].Value
	})
	return counts
}
