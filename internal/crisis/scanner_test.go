package crisis

import (
	"reflect"
	"strings"
	"testing"
)

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		matches int
		want    Severity
	}{
		{0, SeverityNone},
		{1, SeverityMedium},
		{2, SeverityHigh},
		{3, SeverityCritical},
		{7, SeverityCritical},
	}

	for _, tt := range tests {
		if got := SeverityFor(tt.matches); got != tt.want {
			t.Errorf("SeverityFor(%d) = %q, want %q", tt.matches, got, tt.want)
		}
	}
}

func TestScan(t *testing.T) {
	keywords := []string{"end it all", "suicide", "kill myself", "want to die"}

	tests := []struct {
		name     string
		text     string
		detected bool
		matched  []string
		severity Severity
	}{
		{
			name:     "clean text",
			text:     "see you at the meeting tomorrow",
			severity: SeverityNone,
		},
		{
			name:     "single phrase",
			text:     "I want to end it all",
			detected: true,
			matched:  []string{"end it all"},
			severity: SeverityMedium,
		},
		{
			name:     "case insensitive",
			text:     "SUICIDE",
			detected: true,
			matched:  []string{"suicide"},
			severity: SeverityMedium,
		},
		{
			name:     "two keywords",
			text:     "I want to die, thinking about suicide",
			detected: true,
			matched:  []string{"suicide", "want to die"},
			severity: SeverityHigh,
		},
		{
			name:     "three keywords",
			text:     "suicide. I want to die. I will kill myself",
			detected: true,
			matched:  []string{"suicide", "kill myself", "want to die"},
			severity: SeverityCritical,
		},
		{
			name:     "repeated keyword counts once",
			text:     "suicide suicide suicide",
			detected: true,
			matched:  []string{"suicide"},
			severity: SeverityMedium,
		},
		{
			name:     "substring inside a word matches",
			text:     "antisuicidemeasures",
			detected: true,
			matched:  []string{"suicide"},
			severity: SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scan(tt.text, keywords)
			if got.Detected != tt.detected {
				t.Errorf("Detected = %v, want %v", got.Detected, tt.detected)
			}
			if !reflect.DeepEqual(got.Matched, tt.matched) {
				t.Errorf("Matched = %v, want %v", got.Matched, tt.matched)
			}
			if got.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", got.Severity, tt.severity)
			}
		})
	}
}

func TestScan_SeverityIsFunctionOfDistinctCount(t *testing.T) {
	keywords := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for n := 0; n <= len(keywords); n++ {
		text := strings.Join(keywords[:n], " and ")
		got := Scan(text, keywords)
		if len(got.Matched) != n {
			t.Fatalf("n=%d: matched %d keywords", n, len(got.Matched))
		}
		if got.Severity != SeverityFor(n) {
			t.Errorf("n=%d: severity %q, want %q", n, got.Severity, SeverityFor(n))
		}
	}
}

func TestScan_DuplicateAndBlankKeywords(t *testing.T) {
	got := Scan("Suicide", []string{"suicide", " SUICIDE ", "", "  "})
	if len(got.Matched) != 1 || got.Severity != SeverityMedium {
		t.Errorf("got %+v, want one match at medium", got)
	}
}

func TestEscalate(t *testing.T) {
	prev := Result{Detected: true, Matched: []string{"suicide", "want to die"}, Severity: SeverityHigh}

	t.Run("clean rescan keeps flags", func(t *testing.T) {
		got := Escalate(prev, Scan("all good now", DefaultKeywords))
		if !got.Detected || got.Severity != SeverityHigh {
			t.Errorf("got %+v, want detected at high", got)
		}
		if len(got.Matched) != 2 {
			t.Errorf("matched = %v, want previous keywords kept", got.Matched)
		}
	})

	t.Run("higher rescan escalates", func(t *testing.T) {
		next := Result{Detected: true, Matched: []string{"suicide", "kill myself", "end it all"}, Severity: SeverityCritical}
		got := Escalate(prev, next)
		if got.Severity != SeverityCritical {
			t.Errorf("severity = %q, want critical", got.Severity)
		}
		want := []string{"suicide", "want to die", "kill myself", "end it all"}
		if !reflect.DeepEqual(got.Matched, want) {
			t.Errorf("matched = %v, want %v", got.Matched, want)
		}
	})

	t.Run("from nothing", func(t *testing.T) {
		got := Escalate(Result{}, Result{Detected: true, Matched: []string{"unalive"}, Severity: SeverityMedium})
		if !got.Detected || got.Severity != SeverityMedium {
			t.Errorf("got %+v", got)
		}
	})
}

func TestSeverity_AtLeast(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityMedium) {
		t.Error("critical should be at least medium")
	}
	if SeverityLow.AtLeast(SeverityMedium) {
		t.Error("low should not be at least medium")
	}
	if !SeverityMedium.AtLeast(SeverityMedium) {
		t.Error("medium should be at least medium")
	}
}

func TestParseKeywords(t *testing.T) {
	got := ParseKeywords(" Suicide, end it all ,,KILL MYSELF ")
	want := []string{"suicide", "end it all", "kill myself"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseKeywords = %v, want %v", got, want)
	}

	if got := ParseKeywords("  "); !reflect.DeepEqual(got, DefaultKeywords) {
		t.Errorf("blank list should fall back to defaults, got %v", got)
	}
}

func TestScanner(t *testing.T) {
	s := NewScanner(nil)
	if got := s.Scan("I want to end it all"); got.Severity != SeverityMedium {
		t.Errorf("default scanner severity = %q, want medium", got.Severity)
	}

	kws := s.Keywords()
	kws[0] = "mutated"
	if s.Keywords()[0] == "mutated" {
		t.Error("Keywords must return a copy")
	}
}
