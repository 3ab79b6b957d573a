// Package crisis annotates message text with a risk level based on a
// configurable keyword list. Scanning is a pure function of the text and the
// keyword list: it never blocks or rejects a message, it only reports which
// keywords matched and the resulting severity.
//
// Severity is derived from the number of distinct keywords found:
//
//	0  -> none (not detected)
//	1  -> medium
//	2  -> high
//	3+ -> critical
//
// A keyword that occurs several times in the same text counts once.
package crisis

import (
	"strings"
)

// Severity is the risk level assigned to a scanned text.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DefaultKeywords is used when no keyword list is configured.
var DefaultKeywords = []string{
	"suicide",
	"kill myself",
	"end my life",
	"take my life",
	"end it all",
	"self harm",
	"cut myself",
	"hurt myself",
	"want to die",
	"wish i was dead",
	"not worth living",
	"better off dead",
	"unalive",
}

// Result is the outcome of a scan.
type Result struct {
	Detected bool     `json:"detected"`
	Matched  []string `json:"matchedKeywords"`
	Severity Severity `json:"severity"`
}

// rank orders severities for comparison. Unknown values rank as none.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SeverityFor maps a distinct-match count to a severity.
func SeverityFor(matches int) Severity {
	switch {
	case matches <= 0:
		return SeverityNone
	case matches == 1:
		return SeverityMedium
	case matches == 2:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Scan matches text against keywords case-insensitively. Matched keywords
// are returned lowercased, in keyword-list order, without duplicates.
func Scan(text string, keywords []string) Result {
	lower := strings.ToLower(text)
	seen := make(map[string]struct{}, len(keywords))
	var matched []string

	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}

	return Result{
		Detected: len(matched) > 0,
		Matched:  matched,
		Severity: SeverityFor(len(matched)),
	}
}

// Escalate merges a rescan into a previous result. Flags only move upward:
// detection is never cleared, keywords accumulate, and the severity is the
// higher of the two.
func Escalate(prev, next Result) Result {
	out := Result{
		Detected: prev.Detected || next.Detected,
		Severity: prev.Severity,
	}
	if !out.Severity.Valid() {
		out.Severity = SeverityNone
	}
	if next.Severity.rank() > out.Severity.rank() {
		out.Severity = next.Severity
	}

	seen := make(map[string]struct{}, len(prev.Matched)+len(next.Matched))
	for _, list := range [][]string{prev.Matched, next.Matched} {
		for _, kw := range list {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out.Matched = append(out.Matched, kw)
		}
	}
	return out
}

// ParseKeywords splits a comma-separated keyword list. An empty or blank
// input yields DefaultKeywords.
func ParseKeywords(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		kw := strings.ToLower(strings.TrimSpace(part))
		if kw != "" {
			out = append(out, kw)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultKeywords...)
	}
	return out
}

// Scanner binds a keyword list so callers do not have to carry it around.
type Scanner struct {
	keywords []string
}

// NewScanner creates a Scanner. A nil or empty list uses DefaultKeywords.
func NewScanner(keywords []string) *Scanner {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	return &Scanner{keywords: append([]string(nil), keywords...)}
}

// Scan runs Scan with the bound keyword list.
func (s *Scanner) Scan(text string) Result {
	return Scan(text, s.keywords)
}

// Keywords returns a copy of the bound keyword list.
func (s *Scanner) Keywords() []string {
	return append([]string(nil), s.keywords...)
}
