package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minichat/chat-app/loadtest/client"
	"github.com/minichat/chat-app/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	count       int
	duration    time.Duration
	concurrency int
	label       string
	// setup runs before hello so handlers see every frame after identify.
	setup func(*client.Client)
}

// ramp opens cfg.count connections spread over cfg.duration, identifies each
// one with a fresh key and returns the clients that made it. It reports
// whether the ramp was interrupted by ctx.
func ramp(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	var mu sync.Mutex
	clients := make([]*client.Client, 0, cfg.count)

	interval := cfg.duration / time.Duration(cfg.count)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					cfg.label, current, cfg.count, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for launched := 0; launched < cfg.count; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, cfg.url)
			if err != nil {
				collector.AddError()
				return
			}
			if cfg.setup != nil {
				cfg.setup(c)
			}
			if err := c.Hello(connCtx, fmt.Sprintf("load_%d", n), "en"); err != nil {
				collector.AddError()
				c.Close()
				return
			}

			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency, m.HelloLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(launched)
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.count, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
