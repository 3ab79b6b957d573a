package stats

import (
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(samples)
	if s.Count != 100 || s.P50 != 50*time.Millisecond || s.P95 != 95*time.Millisecond ||
		s.P99 != 99*time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Summarize = %+v", s)
	}
	if s.Avg != 50500*time.Microsecond {
		t.Errorf("Avg = %v", s.Avg)
	}

	if got := Summarize(nil); got.Count != 0 {
		t.Errorf("empty = %+v", got)
	}
	if got := Summarize([]time.Duration{time.Second}); got.P50 != time.Second || got.P99 != time.Second {
		t.Errorf("single = %+v", got)
	}
}

func TestCollectorErrors(t *testing.T) {
	c := NewCollector()
	c.AddError()
	c.AddErrorCode("rate_limited")
	c.AddErrorCode("rate_limited")
	if c.ErrorCount() != 3 {
		t.Errorf("ErrorCount = %d", c.ErrorCount())
	}
	if got := formatCodes(map[string]int{"": 1, "rate_limited": 2}); got != " (transport=1, rate_limited=2)" {
		t.Errorf("formatCodes = %q", got)
	}
}
