package concurrency

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// otherPattern collects errors once the pattern table is full.
const otherPattern = "<other>"

var (
	urlPattern  = regexp.MustCompile(`https?://[^\s"'<>]+`)
	uuidPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexPattern  = regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`)
	durPattern  = regexp.MustCompile(`\b\d+(\.\d+)?(ns|µs|us|ms|s|m|h)\b`)
	numPattern  = regexp.MustCompile(`\b\d{4,}\b`)
)

// ErrorConfig tunes the error aggregator.
type ErrorConfig struct {
	SuppressThreshold int `mapstructure:"suppress_threshold"`
	MaxPatterns       int `mapstructure:"max_patterns"`
}

// DefaultErrorConfig suppresses a pattern from its third occurrence and tracks
// up to 1000 patterns.
func DefaultErrorConfig() ErrorConfig {
	return ErrorConfig{SuppressThreshold: 3, MaxPatterns: 1000}
}

// ErrorCount is one normalized pattern and how often it was seen.
type ErrorCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
	Example string `json:"example"`
}

// ErrorAggregator groups error messages by normalized pattern.
type ErrorAggregator struct {
	cfg ErrorConfig

	mu       sync.Mutex
	counts   map[string]int
	examples map[string]string
	total    int
}

// NewErrorAggregator returns an empty aggregator.
func NewErrorAggregator(cfg ErrorConfig) *ErrorAggregator {
	def := DefaultErrorConfig()
	if cfg.SuppressThreshold <= 0 {
		cfg.SuppressThreshold = def.SuppressThreshold
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = def.MaxPatterns
	}
	return &ErrorAggregator{
		cfg:      cfg,
		counts:   make(map[string]int),
		examples: make(map[string]string),
	}
}

// RecordError counts msg under its normalized pattern and reports whether
// messages of that pattern should now be logged quietly.
func (a *ErrorAggregator) RecordError(msg string) bool {
	pattern := NormalizeError(msg)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	if _, ok := a.counts[pattern]; !ok && len(a.counts) >= a.cfg.MaxPatterns {
		pattern = otherPattern
	}
	a.counts[pattern]++
	if _, ok := a.examples[pattern]; !ok {
		a.examples[pattern] = msg
	}
	return a.counts[pattern] >= a.cfg.SuppressThreshold
}

// Count returns the occurrences recorded for the pattern of msg.
func (a *ErrorAggregator) Count(msg string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[NormalizeError(msg)]
}

// Total returns the number of recorded errors.
func (a *ErrorAggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// TopErrors returns up to n patterns by descending count.
func (a *ErrorAggregator) TopErrors(n int) []ErrorCount {
	a.mu.Lock()
	out := make([]ErrorCount, 0, len(a.counts))
	for p, c := range a.counts {
		out = append(out, ErrorCount{Pattern: p, Count: c, Example: a.examples[p]})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// NormalizeError collapses volatile substrings of an error message. URLs keep
// their host and path structure but lose query strings, and numeric or hashed
// path segments are collapsed. Three digit numbers survive so status codes
// still distinguish patterns.
func NormalizeError(msg string) string {
	msg = urlPattern.ReplaceAllStringFunc(msg, normalizeURL)
	msg = uuidPattern.ReplaceAllString(msg, "<uuid>")
	msg = hexPattern.ReplaceAllString(msg, "<hex>")
	msg = durPattern.ReplaceAllString(msg, "<dur>")
	msg = numPattern.ReplaceAllString(msg, "<n>")
	return strings.TrimSpace(msg)
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		segments[i] = normalizeSegment(seg)
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""
	return u.Scheme + "://" + u.Host + u.Path
}

func normalizeSegment(seg string) string {
	if seg == "" {
		return seg
	}
	if uuidPattern.MatchString(seg) && len(seg) == 36 {
		return "<uuid>"
	}
	stem, ext := seg, ""
	if dot := strings.LastIndexByte(seg, '.'); dot > 0 {
		stem, ext = seg[:dot], seg[dot:]
	}
	if isDigits(stem) && len(stem) >= 2 {
		return "<n>" + ext
	}
	if len(stem) >= 16 && isHex(stem) {
		return "<hex>" + ext
	}
	return seg
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return s != ""
}
