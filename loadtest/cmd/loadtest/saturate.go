package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/haven/realtime/loadtest/client"
	"github.com/haven/realtime/loadtest/stats"
)

// runSaturate opens -connections authenticated connections over -ramp, each
// as its own identity, then holds them idle for -hold while counting how many
// the server drops. Idle connections still answer server pings, so drops
// point at capacity or heartbeat problems rather than client silence.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	secret := fs.String("secret", envOr("JWT_SECRET", ""), "Server JWT secret used to mint identity tokens")
	prefix := fs.String("prefix", "load-", "Identity id prefix (server must admit it, e.g. DEV_IDENTITIES=load-*)")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL (empty disables scraping)")
	fs.Parse(args)
	requireSecret(*secret)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)
	alive := func() (open, total int) {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range clients {
			if !c.GetMetrics().Closed {
				open++
			}
		}
		return open, len(clients)
	}

	fmt.Println("\n--- Ramp-up phase ---")
	lastCount, lastTime := 0, time.Now()
	stopProgress := every(time.Second, func(now time.Time) {
		n := collector.ConnectionCount()
		rate := float64(n-lastCount) / now.Sub(lastTime).Seconds()
		fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
			n, *connections, collector.ErrorCount(), rate)
		lastCount, lastTime = n, now
	})

	rampStart := time.Now()
	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, func(ctx context.Context, i int) bool {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := client.Dial(dialCtx, *url, *secret, fmt.Sprintf("%s%d", *prefix, i))
		if err != nil {
			collector.AddError()
			return false
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
		return true
	}, nil)
	stopProgress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if interrupted {
		fmt.Println("Interrupted during ramp-up; skipping hold phase.")
	} else {
		dropped = holdOpen(ctx, *hold, alive)
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// holdOpen waits for hold (or ctx), printing the open count every 5s, and
// returns how many connections closed during the wait.
func holdOpen(ctx context.Context, hold time.Duration, alive func() (open, total int)) int {
	start, _ := alive()
	fmt.Printf("\n--- Hold phase ---\nHolding %d connections for %s...\n", start, hold)

	stopStatus := every(5*time.Second, func(time.Time) {
		open, _ := alive()
		fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", open, start, start-open)
	})
	defer stopStatus()

	select {
	case <-ctx.Done():
		fmt.Println("\nInterrupted during hold phase.")
	case <-time.After(hold):
		fmt.Println("\nHold period complete.")
	}
	open, _ := alive()
	return start - open
}
