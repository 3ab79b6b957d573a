package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// trackedMetric is one server series shown in the report. Labeled series
// with the same name are summed.
type trackedMetric struct {
	name  string
	label string
}

var trackedMetrics = []trackedMetric{
	{"haven_connections_total", "Connections"},
	{"haven_online_identities", "Online"},
	{"haven_messages_total", "Messages"},
	{"haven_crisis_alerts_total", "Crisis Alerts"},
	{"haven_rate_limited_total", "Rate Limited"},
	{"haven_slow_consumers_total", "Slow Consumers"},
	{"haven_active_calls", "Active Calls"},
	{"haven_notifications_total", "Notifications"},
}

const (
	latencySum   = "haven_message_latency_seconds_sum"
	latencyCount = "haven_message_latency_seconds_count"
)

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx ends or Stop
// is called. A final scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// scrape records a snapshot. Failures are dropped; the server may not be up
// yet or may already be gone.
func (s *Scraper) scrape() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition sums the Prometheus text format by metric name, dropping
// labels.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if name, v, ok := parseMetricLine(line); ok {
			values[name] += v
		}
	}
	return values, sc.Err()
}

// parseMetricLine splits `name{labels} value [timestamp]` into the bare name
// and value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", 0, false
		}
		name, rest = line[:open], line[open+end+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for each tracked series, and
// the server-side send latency averaged over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  %d snapshots over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, m := range trackedMetrics {
		peak := first.values[m.name]
		for _, snap := range snaps {
			if v := snap.values[m.name]; v > peak {
				peak = v
			}
		}
		a, b := first.values[m.name], last.values[m.name]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", m.label, a, b, b-a, peak)
	}

	fmt.Println()
	if n := last.values[latencyCount] - first.values[latencyCount]; n > 0 {
		avg := (last.values[latencySum] - first.values[latencySum]) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f sends)\n", "Send Pipeline", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no sends)\n", "Send Pipeline")
	}
}
