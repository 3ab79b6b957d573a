package stats

import (
	"strings"
	"testing"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line      string
		wantName  string
		wantValue float64
		wantOK    bool
	}{
		{"haven_connections_total 42", "haven_connections_total", 42, true},
		{`haven_messages_total{outcome="sent"} 7`, "haven_messages_total", 7, true},
		{"haven_message_latency_seconds_sum 0.125", "haven_message_latency_seconds_sum", 0.125, true},
		{"haven_active_calls 3 1700000000000", "haven_active_calls", 3, true},
		{`haven_rate_limited_total{rule="message"`, "", 0, false},
		{"garbage", "", 0, false},
		{"haven_active_calls NaNx", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if ok != tt.wantOK || name != tt.wantName || value != tt.wantValue {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v; want %q, %v, %v",
				tt.line, name, value, ok, tt.wantName, tt.wantValue, tt.wantOK)
		}
	}
}

func TestParseExposition_SumsLabels(t *testing.T) {
	body := strings.Join([]string{
		"# HELP haven_messages_total Messages by outcome.",
		"# TYPE haven_messages_total counter",
		`haven_messages_total{outcome="sent"} 10`,
		`haven_messages_total{outcome="duplicate"} 2`,
		"haven_online_identities 5",
		"",
	}, "\n")
	got, err := parseExposition(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseExposition: %v", err)
	}
	if got["haven_messages_total"] != 12 || got["haven_online_identities"] != 5 {
		t.Errorf("values = %v", got)
	}
}
