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
	"syscall"
	"time"

	"github.com/minichat/chat-app/loadtest/client"
	"github.com/minichat/chat-app/loadtest/stats"
)

// The server drops messages sent less than 250ms apart on one connection.
const minMessageInterval = 300 * time.Millisecond

// sender tracks the messages one client is waiting to see echoed back.
type sender struct {
	c        *client.Client
	tag      string
	mu       sync.Mutex
	seq      int
	inFlight map[int]time.Time
}

func newSender(c *client.Client) *sender {
	return &sender{c: c, tag: c.Key()[:8], inFlight: make(map[int]time.Time)}
}

func (s *sender) send(padding string) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.inFlight[seq] = time.Now()
	s.mu.Unlock()
	return s.c.SendChat(fmt.Sprintf("%s:%d:%s", s.tag, seq, padding))
}

// observe is called for every broadcast chat_message this client receives
// and returns the echo latency when the frame is one of its own.
func (s *sender) observe(text string) (time.Duration, bool) {
	parts := strings.SplitN(text, ":", 3)
	if len(parts) < 2 || parts[0] != s.tag {
		return 0, false
	}
	seq, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, ok := s.inFlight[seq]
	if !ok {
		return 0, false
	}
	delete(s.inFlight, seq)
	return time.Since(sent), true
}

// runChat implements the room traffic test. Every user identifies, then posts
// to the shared room at a fixed interval for the test duration. Each message
// is fanned out to every connection, so deliveries grow with the square of the
// user count. Echo latency is measured from send until the sender sees its own
// message broadcast back.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	users := fs.Int("users", 100, "Number of simultaneous users")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long users keep posting")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3000/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *msgInterval < minMessageInterval {
		fmt.Printf("msg-interval raised from %s to %s to stay under the server rate limit\n", *msgInterval, minMessageInterval)
		*msgInterval = minMessageInterval
	}

	fmt.Printf("Chat test: %d users to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var sendersMu sync.Mutex
	senders := make(map[*client.Client]*sender)

	fmt.Println("\n--- Phase 1: Connect and identify ---")
	clients, interrupted := ramp(ctx, rampConfig{
		url:         *url,
		count:       *users,
		duration:    *rampUp,
		concurrency: *concurrency,
		label:       "connect",
		setup: func(c *client.Client) {
			s := newSender(c)
			sendersMu.Lock()
			senders[c] = s
			sendersMu.Unlock()

			c.On(client.TypeChatMessage, func(raw json.RawMessage) {
				var msg struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(raw, &msg) != nil {
					return
				}
				collector.AddDelivery()
				if d, ok := s.observe(msg.Text); ok {
					collector.AddEcho(d)
				}
			})
		},
	}, collector)

	if !interrupted && len(clients) > 0 {
		fmt.Println("\n--- Phase 2: Post to the room ---")
		padding := strings.Repeat("x", *msgSize)
		runCtx, cancel := context.WithTimeout(ctx, *duration)

		var wg sync.WaitGroup
		for i, c := range clients {
			sendersMu.Lock()
			s := senders[c]
			sendersMu.Unlock()

			wg.Add(1)
			go func(offset time.Duration) {
				defer wg.Done()
				// Stagger the first message so users do not post in lockstep.
				select {
				case <-runCtx.Done():
					return
				case <-time.After(offset):
				}
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for {
					if err := s.send(padding); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
					}
				}
			}(*msgInterval * time.Duration(i) / time.Duration(len(clients)))
		}

		wg.Wait()
		cancel()
		// Let in-flight broadcasts land before counting.
		time.Sleep(time.Second)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	scraper.Stop()
	collector.Report()
}
