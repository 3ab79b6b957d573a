package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/haven/realtime/loadtest/client"
	"github.com/haven/realtime/loadtest/stats"
)

// pairResult tracks the outcome of one pair's exchange.
type pairResult struct {
	connected bool
	sent      int64
	acked     int64
	received  int64
	errors    int64
}

// sendStamp prefixes message content so the recipient can compute delivery
// latency: "<unix nanos>|<padding>".
func sendStamp(now time.Time, padding string) string {
	return strconv.FormatInt(now.UnixNano(), 10) + "|" + padding
}

func parseStamp(content string) (time.Time, bool) {
	head, _, ok := strings.Cut(content, "|")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// runChat connects pairs of identities and has both sides of each pair send
// direct messages to each other at a fixed interval. It measures ack latency
// (send to message:ack) and delivery latency (send to the peer's
// message:new).
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of identity pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per identity")
	msgSize := fs.Int("msg-size", 128, "Padding added to each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	secret := fs.String("secret", envOr("JWT_SECRET", ""), "Server JWT secret used to mint identity tokens")
	prefix := fs.String("prefix", "load-", "Identity id prefix (server must admit it, e.g. DEV_IDENTITIES=load-*)")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)
	requireSecret(*secret)

	fmt.Printf("Chat test: %d pairs (%d identities) to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, *pairs*2, *url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	padding := strings.Repeat("x", *msgSize)
	results := make([]pairResult, *pairs)

	var (
		totalSent atomic.Int64
		totalRecv atomic.Int64
		active    atomic.Int64
	)

	stopProgress := every(5*time.Second, func(time.Time) {
		fmt.Printf("  [chat] active pairs: %d  connections: %d  sent: %d  recv: %d  errors: %d\n",
			active.Load(), collector.ConnectionCount(), totalSent.Load(), totalRecv.Load(), collector.ErrorCount())
	})

	clients := make([][2]*client.Client, *pairs)
	start := time.Now()
	interrupted := ramp(ctx, *pairs, *rampUp, *concurrency, func(ctx context.Context, i int) bool {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ca, err := client.Dial(dialCtx, *url, *secret, fmt.Sprintf("%s%da", *prefix, i))
		if err != nil {
			collector.AddError()
			return false
		}
		cb, err := client.Dial(dialCtx, *url, *secret, fmt.Sprintf("%s%db", *prefix, i))
		if err != nil {
			collector.AddError()
			ca.Close()
			return false
		}
		collector.AddConnect(ca.GetMetrics().ConnectLatency)
		collector.AddConnect(cb.GetMetrics().ConnectLatency)
		clients[i] = [2]*client.Client{ca, cb}
		return true
	}, func(i int) {
		ca, cb := clients[i][0], clients[i][1]
		defer ca.Close()
		defer cb.Close()
		active.Add(1)
		defer active.Add(-1)
		results[i].connected = true
		runPair(ctx, ca, cb, *duration, *msgInterval, padding, collector, &results[i], &totalSent, &totalRecv)
	})
	stopProgress()
	if interrupted {
		fmt.Println("\nInterrupted during ramp-up.")
	}
	elapsed := time.Since(start)

	var connected int
	var sent, acked, received, errs int64
	for _, r := range results {
		if r.connected {
			connected++
		}
		sent += r.sent
		acked += r.acked
		received += r.received
		errs += r.errors
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs connected:   %d / %d\n", connected, *pairs)
	fmt.Printf("Messages sent:     %d\n", sent)
	fmt.Printf("Messages acked:    %d\n", acked)
	fmt.Printf("Messages received: %d\n", received)
	fmt.Printf("Error frames:      %d\n", errs)
	fmt.Printf("Elapsed:           %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 && sent > 0 {
		fmt.Printf("Throughput:        %.1f msg/s\n", float64(sent)/elapsed.Seconds())
	}

	scraper.Stop()
	collector.Report()
}

// runPair wires handlers on both clients and runs the send loops until
// duration elapses or ctx ends.
func runPair(
	ctx context.Context,
	ca, cb *client.Client,
	duration, msgInterval time.Duration,
	padding string,
	collector *stats.Collector,
	res *pairResult,
	totalSent, totalRecv *atomic.Int64,
) {
	var mu sync.Mutex
	pending := make(map[string]time.Time) // idempotency key -> send time

	onNew := func(payload json.RawMessage) {
		var m struct {
			Message struct {
				SenderID string `json:"senderId"`
				Content  string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(payload, &m); err != nil {
			return
		}
		// Both parties receive every direct message; count only the peer's.
		sentAt, ok := parseStamp(m.Message.Content)
		if !ok {
			return
		}
		atomic.AddInt64(&res.received, 1)
		totalRecv.Add(1)
		collector.AddMsgLatency(time.Since(sentAt))
	}
	onAck := func(payload json.RawMessage) {
		var ack struct {
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := json.Unmarshal(payload, &ack); err != nil {
			return
		}
		mu.Lock()
		sentAt, ok := pending[ack.IdempotencyKey]
		delete(pending, ack.IdempotencyKey)
		mu.Unlock()
		if ok {
			atomic.AddInt64(&res.acked, 1)
			collector.AddAckLatency(time.Since(sentAt))
		}
	}
	onError := func(payload json.RawMessage) {
		var e struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(payload, &e)
		if e.Code == "" {
			e.Code = "unknown"
		}
		atomic.AddInt64(&res.errors, 1)
		collector.AddErrorCode(e.Code)
	}

	for _, c := range []*client.Client{ca, cb} {
		c := c
		c.On(client.TypeMessageAck, onAck)
		c.On(client.TypeError, onError)
		c.On(client.TypeMessageNew, func(p json.RawMessage) {
			var from struct {
				Message struct {
					SenderID string `json:"senderId"`
				} `json:"message"`
			}
			if json.Unmarshal(p, &from) == nil && from.Message.SenderID != c.IdentityID() {
				onNew(p)
			}
		})
	}

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			// Give in-flight messages a moment to land.
			time.Sleep(500 * time.Millisecond)
			return
		case <-ticker.C:
			for _, pair := range [][2]*client.Client{{ca, cb}, {cb, ca}} {
				from, to := pair[0], pair[1]
				seq++
				key := fmt.Sprintf("%s-%d", from.IdentityID(), seq)
				now := time.Now()
				mu.Lock()
				pending[key] = now
				mu.Unlock()
				err := from.Send(client.TypeMessageSend, map[string]string{
					"recipientId":    to.IdentityID(),
					"content":        sendStamp(now, padding),
					"idempotencyKey": key,
				})
				if err != nil {
					collector.AddError()
					continue
				}
				atomic.AddInt64(&res.sent, 1)
				totalSent.Add(1)
			}
		}
	}
}
