package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time.
type snapshot struct {
	at            time.Time
	connections   float64
	online        float64
	accepted      float64
	rateLimited   float64
	notifications float64
	bgFailures    float64
	latencySum    float64
	latencyCount  float64
}

// Scraper periodically fetches the server's Prometheus endpoint during a
// load test and keeps snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops the background scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()

	snap := snapshot{at: time.Now()}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := ParseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "minichat_connections_total":
			snap.connections = value
		case "minichat_online_identities":
			snap.online = value
		case "minichat_messages_total":
			switch labels["result"] {
			case "accepted":
				snap.accepted = value
			case "rate_limited":
				snap.rateLimited = value
			}
		case "minichat_notifications_total":
			if labels["result"] == "sent" {
				snap.notifications = value
			}
		case "minichat_background_failures_total":
			snap.bgFailures += value
		case "minichat_message_latency_seconds_sum":
			snap.latencySum = value
		case "minichat_message_latency_seconds_count":
			snap.latencyCount = value
		}
	}
	return snap, scanner.Err()
}

// ParseMetricLine splits one Prometheus text exposition sample into its
// name, labels and value.
func ParseMetricLine(line string) (name string, labels map[string]string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.LastIndexByte(line, '}')
		if closing < open {
			return "", nil, 0, false
		}
		name = line[:open]
		labels = parseLabels(line[open+1 : closing])
		rest = line[closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	// An optional timestamp may follow the value.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

func parseLabels(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

// Report prints the initial, final, delta and peak value of every tracked
// metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Online", func(s snapshot) float64 { return s.online }},
		{"Accepted", func(s snapshot) float64 { return s.accepted }},
		{"Rate Limited", func(s snapshot) float64 { return s.rateLimited }},
		{"Emails Sent", func(s snapshot) float64 { return s.notifications }},
		{"Task Failures", func(s snapshot) float64 { return s.bgFailures }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.get(first), r.get(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", r.label, initial, final, final-initial, peak(snaps, r.get))
	}

	fmt.Println()
	if n := last.latencyCount - first.latencyCount; n > 0 {
		avg := (last.latencySum - first.latencySum) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Submit Latency", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Submit Latency")
	}
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := get(s); v > p {
			p = v
		}
	}
	return p
}
