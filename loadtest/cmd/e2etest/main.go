// Package main implements a standalone end-to-end smoke test for the minichat
// server. It validates the user journey against a running instance: health
// endpoints, hello handshake, room broadcast, profile edits, history
// consistency and the balance and shop endpoints.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:3000/ws] [-api http://localhost:3000] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minichat/chat-app/loadtest/client"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// roomMessage is the subset of a broadcast chat_message the scenarios check.
type roomMessage struct {
	UserKey string `json:"user_key"`
	Nick    string `json:"nick"`
	Text    string `json:"text"`
}

// user is a connected client with channels for the frames scenarios wait on.
type user struct {
	*client.Client
	messages chan roomMessage
	profiles chan json.RawMessage
	updates  chan json.RawMessage
}

func connect(ctx context.Context, wsURL, nick string) (*user, error) {
	c, err := client.New(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	u := &user{
		Client:   c,
		messages: make(chan roomMessage, 64),
		profiles: make(chan json.RawMessage, 8),
		updates:  make(chan json.RawMessage, 64),
	}
	c.On(client.TypeChatMessage, func(raw json.RawMessage) {
		var m roomMessage
		if json.Unmarshal(raw, &m) == nil {
			select {
			case u.messages <- m:
			default:
			}
		}
	})
	c.On(client.TypeProfile, func(raw json.RawMessage) {
		select {
		case u.profiles <- raw:
		default:
		}
	})
	c.On(client.TypeUserProfile, func(raw json.RawMessage) {
		select {
		case u.updates <- raw:
		default:
		}
	})
	if err := c.Hello(ctx, nick, "en"); err != nil {
		c.Close()
		return nil, err
	}
	// Drain the hello reply so later waits only see new profiles.
	select {
	case <-u.profiles:
	case <-time.After(time.Second):
	}
	return u, nil
}

// waitMessage waits for a broadcast whose text equals want.
func (u *user) waitMessage(ctx context.Context, want string) (roomMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return roomMessage{}, fmt.Errorf("no chat_message %q: %w", want, ctx.Err())
		case m := <-u.messages:
			if m.Text == want {
				return m, nil
			}
		}
	}
}

func main() {
	wsURL := flag.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:3000", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== minichat E2E Smoke Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult
	results = append(results, scenarioHealth(ctx, *apiBase))
	results = append(results, scenarioRoom(ctx, *wsURL)...)
	results = append(results, scenarioRateLimit(ctx, *wsURL))
	results = append(results, scenarioEconomy(ctx, *wsURL, *apiBase))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	name := "Health endpoints"

	for _, path := range []string{"/health", "/healthz"} {
		if _, err := httpDo(ctx, http.MethodGet, apiBase+path, nil); err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("%s: %v", path, err)}
		}
	}

	body, err := httpDo(ctx, http.MethodGet, apiBase+"/metrics", nil)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(body), "minichat_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing minichat_connections_total"}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenarioRoom covers broadcast, profile edits and history rewriting with the
// same pair of users.
func scenarioRoom(ctx context.Context, wsURL string) []scenarioResult {
	const (
		bcast   = "Room broadcast"
		edit    = "Profile edit propagation"
		history = "History reflects current nick"
	)
	failAll := func(reason string) []scenarioResult {
		return []scenarioResult{
			{bcast, resultFail, reason},
			{edit, resultFail, "skipped"},
			{history, resultFail, "skipped"},
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	alice, err := connect(stepCtx, wsURL, "alice_e2e")
	if err != nil {
		return failAll(fmt.Sprintf("alice connect: %v", err))
	}
	defer alice.Close()
	bob, err := connect(stepCtx, wsURL, "bob_e2e")
	if err != nil {
		return failAll(fmt.Sprintf("bob connect: %v", err))
	}
	defer bob.Close()

	text := "e2e hello " + alice.Key()[:8]
	if err := alice.SendChat(text); err != nil {
		return failAll(fmt.Sprintf("send: %v", err))
	}
	got, err := bob.waitMessage(stepCtx, text)
	if err != nil {
		return failAll(err.Error())
	}
	if got.Nick != "alice_e2e" || got.UserKey != alice.Key() {
		return failAll(fmt.Sprintf("unexpected sender nick=%q key=%q", got.Nick, got.UserKey))
	}
	results := []scenarioResult{{bcast, resultPass, ""}}

	newNick := "alice_renamed"
	if err := alice.Send(map[string]string{"type": client.TypeUpdateProfile, "key": alice.Key(), "nick": newNick}); err != nil {
		return append(results, scenarioResult{edit, resultFail, err.Error()}, scenarioResult{history, resultFail, "skipped"})
	}
	if err := waitNick(stepCtx, bob.updates, alice.Key(), newNick); err != nil {
		return append(results, scenarioResult{edit, resultFail, "bob: " + err.Error()}, scenarioResult{history, resultFail, "skipped"})
	}
	results = append(results, scenarioResult{edit, resultPass, ""})

	// A fresh connection sees the earlier message under the new nick.
	carol, err := client.New(stepCtx, wsURL)
	if err != nil {
		return append(results, scenarioResult{history, resultFail, err.Error()})
	}
	defer carol.Close()
	raw, err := carol.History(stepCtx)
	if err != nil {
		return append(results, scenarioResult{history, resultFail, err.Error()})
	}
	var h struct {
		Messages []roomMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return append(results, scenarioResult{history, resultFail, err.Error()})
	}
	for _, m := range h.Messages {
		if m.Text == text {
			if m.Nick != newNick {
				return append(results, scenarioResult{history, resultFail, fmt.Sprintf("nick=%q", m.Nick)})
			}
			return append(results, scenarioResult{history, resultPass, fmt.Sprintf("%d messages", len(h.Messages))})
		}
	}
	return append(results, scenarioResult{history, resultFail, "message missing from history"})
}

func waitNick(ctx context.Context, ch <-chan json.RawMessage, key, nick string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no user_profile with nick %q: %w", nick, ctx.Err())
		case raw := <-ch:
			var p struct {
				Key  string `json:"key"`
				Nick string `json:"nick"`
			}
			if json.Unmarshal(raw, &p) == nil && p.Key == key && p.Nick == nick {
				return nil
			}
		}
	}
}

// scenarioRateLimit sends two messages back to back. The second should be
// dropped by the per-connection limit. Reported as info because timing on a
// loaded host can let both through.
func scenarioRateLimit(ctx context.Context, wsURL string) scenarioResult {
	name := "Per-connection rate limit"

	stepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := connect(stepCtx, wsURL, "burst_e2e")
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer u.Close()

	first, second := "burst 1 "+u.Key()[:8], "burst 2 "+u.Key()[:8]
	u.SendChat(first)
	u.SendChat(second)

	if _, err := u.waitMessage(stepCtx, first); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	waitCtx, waitCancel := context.WithTimeout(stepCtx, time.Second)
	defer waitCancel()
	if _, err := u.waitMessage(waitCtx, second); err == nil {
		return scenarioResult{name, resultInfo, "second message was not limited"}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioEconomy(ctx context.Context, wsURL, apiBase string) scenarioResult {
	name := "Balance and shop"

	stepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := connect(stepCtx, wsURL, "shopper_e2e")
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer u.Close()

	payload, _ := json.Marshal(map[string]string{"key": u.Key()})
	body, err := httpDo(stepCtx, http.MethodPost, apiBase+"/api/balance", payload)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/balance: %v", err)}
	}
	var bal struct {
		OK      bool  `json:"ok"`
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(body, &bal); err != nil || !bal.OK || bal.Balance != 1 {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/balance: %s", body)}
	}

	body, err = httpDo(stepCtx, http.MethodGet, apiBase+"/api/shop?key="+u.Key(), nil)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/shop: %v", err)}
	}
	var shop struct {
		OK       bool              `json:"ok"`
		Balance  int64             `json:"balance"`
		Prefixes []json.RawMessage `json:"prefixes"`
	}
	if err := json.Unmarshal(body, &shop); err != nil || !shop.OK || len(shop.Prefixes) == 0 {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/shop: %s", body)}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("balance=%d prefixes=%d", shop.Balance, len(shop.Prefixes))}
}

// httpDo performs a request and returns the body of a 200 response.
func httpDo(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return data, fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	return data, nil
}
