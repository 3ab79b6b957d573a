// Package stats aggregates client-side load test measurements and prints
// the end-of-run report.
package stats

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Latency series names used by Report, in print order.
const (
	SeriesConnect  = "connect"
	SeriesAck      = "ack"
	SeriesDelivery = "delivery"
)

var seriesTitles = map[string]string{
	SeriesConnect:  "Connect Latency",
	SeriesAck:      "Ack Latency (send -> message:ack)",
	SeriesDelivery: "Delivery Latency (send -> peer message:new)",
}

// Summary is the percentile digest of one latency series.
type Summary struct {
	Count         int
	Avg           time.Duration
	P50, P95, P99 time.Duration
	Max           time.Duration
}

// Summarize computes a Summary. The input is sorted in place.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	rank := func(q float64) time.Duration {
		i := int(math.Ceil(float64(n)*q)) - 1
		if i < 0 {
			i = 0
		}
		return samples[i]
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   rank(0.50),
		P95:   rank(0.95),
		P99:   rank(0.99),
		Max:   samples[n-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.Count)
}

// Collector is shared by every client goroutine of a run.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	errors      map[string]int // by error code; "" for transport errors
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		errors:    make(map[string]int),
		startTime: time.Now(),
	}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) observe(series string, d time.Duration) {
	c.mu.Lock()
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.series[SeriesConnect] = append(c.series[SeriesConnect], d)
	c.connections++
	c.mu.Unlock()
}

// AddAckLatency records send -> message:ack on the sender.
func (c *Collector) AddAckLatency(d time.Duration) { c.observe(SeriesAck, d) }

// AddMsgLatency records send -> message:new on the peer.
func (c *Collector) AddMsgLatency(d time.Duration) { c.observe(SeriesDelivery, d) }

// AddError counts a dial or write failure.
func (c *Collector) AddError() { c.AddErrorCode("") }

// AddErrorCode counts an error event by its server code.
func (c *Collector) AddErrorCode(code string) {
	c.mu.Lock()
	c.errors[code]++
	c.mu.Unlock()
}

// ConnectionCount returns how many connections were recorded.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the total of all errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.errors {
		total += n
	}
	return total
}

// Summary digests one series.
func (c *Collector) Summary(series string) Summary {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[series]...)
	c.mu.Unlock()
	return Summarize(samples)
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	conns := c.connections
	errs := make(map[string]int, len(c.errors))
	total := 0
	for k, v := range c.errors {
		errs[k] = v
		total += v
	}
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", conns)
	fmt.Printf("Errors:       %d%s\n", total, formatCodes(errs))
	if conns > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(total)/float64(conns)*100)
	}

	for _, name := range []string{SeriesConnect, SeriesAck, SeriesDelivery} {
		s := c.Summary(name)
		if s.Count == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n  %s\n", seriesTitles[name], s)
	}

	if scraper != nil {
		scraper.Report()
	}
	fmt.Println()
}

// formatCodes renders " (rate_limited=3, transport=1)" or "".
func formatCodes(errs map[string]int) string {
	if len(errs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		name := k
		if name == "" {
			name = "transport"
		}
		parts = append(parts, fmt.Sprintf("%s=%d", name, errs[k]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
