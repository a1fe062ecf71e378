// Command perfchat replays a scripted story over the chat websocket and
// reports per-turn latency alongside the server's rolling stage window.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/storyweaver/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	model          string
	maxTokens      int
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	keepSession    bool
	verbose        bool
}

type wsEnvelope struct {
	Type         string               `json:"type"`
	RequestID    string               `json:"request_id,omitempty"`
	Code         string               `json:"code,omitempty"`
	Detail       string               `json:"detail,omitempty"`
	Text         string               `json:"text,omitempty"`
	RetryAfterMs int64                `json:"retry_after_ms,omitempty"`
	Context      protocol.ContextInfo `json:"context"`
}

type turnResult struct {
	Latency  time.Duration
	Strategy string
	Tokens   int
}

var defaultPrompts = []string{
	"A lighthouse keeper finds a letter washed ashore.",
	"She reads it by lamplight and recognizes the handwriting.",
	"A storm rolls in before she can answer it.",
	"At dawn a stranger knocks on the lighthouse door.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "storyweaver base URL")
	flag.StringVar(&cfg.sessionID, "session-id", "", "session to replay into (default: a fresh perf-<unix> id)")
	flag.StringVar(&cfg.model, "model", "", "optional model override per prompt")
	flag.IntVar(&cfg.maxTokens, "max-tokens", 0, "optional max_tokens per prompt")
	flag.IntVar(&cfg.turns, "turns", 12, "number of prompts to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 2100, "delay between prompts in milliseconds (keep above the server cooldown)")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 120000, "timeout waiting for assistant_reply per prompt in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	flag.BoolVar(&cfg.keepSession, "keep-session", false, "do not delete the session afterwards")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	return normalizeOptions(cfg, textsRaw, interTurnMS, turnTimeoutMS)
}

func normalizeOptions(cfg options, textsRaw string, interTurnMS, turnTimeoutMS int) (options, error) {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.maxTokens < 0 {
		return options{}, fmt.Errorf("max-tokens must be >= 0")
	}
	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = fmt.Sprintf("perf-%d", time.Now().Unix())
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultPrompts...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			t := strings.TrimSpace(part)
			if t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty prompts")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	if !cfg.keepSession {
		defer func() {
			_ = deleteSession(context.Background(), httpClient, cfg.baseURL, cfg.sessionID)
		}()
	}

	wsURL, err := wsURLForSession(cfg.baseURL, cfg.sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfchat: session=%s turns=%d\n", cfg.sessionID, cfg.turns)
	}

	replies := make(chan wsEnvelope, 8)
	readErrCh := make(chan error, 1)
	go readLoop(conn, replies, readErrCh)

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		prompt := cfg.texts[i%len(cfg.texts)]
		started := time.Now()
		if err := conn.WriteJSON(protocol.ClientPrompt{
			Type:      protocol.TypeClientPrompt,
			SessionID: cfg.sessionID,
			Prompt:    prompt,
			Model:     cfg.model,
			MaxTokens: cfg.maxTokens,
		}); err != nil {
			return fmt.Errorf("turn %d send prompt: %w", i+1, err)
		}
		env, err := awaitReply(replies, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await assistant_reply: %w", i+1, err)
		}
		if env.Type == string(protocol.TypeErrorEvent) {
			return fmt.Errorf("turn %d: %s: %s", i+1, env.Code, env.Detail)
		}
		res := turnResult{
			Latency:  time.Since(started),
			Strategy: env.Context.Strategy,
			Tokens:   env.Context.EstimatedTokens,
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d %s strategy=%s est_tokens=%d\n", i+1, cfg.turns, res.Latency.Round(time.Millisecond), res.Strategy, res.Tokens)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	p50, p95, worst := summarizeLatencies(results)
	fmt.Printf("perfchat: client latency p50=%s p95=%s max=%s\n", p50, p95, worst)

	snapshot, err := fetchPerf(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch server latency: %w", err)
	}
	fmt.Printf("perfchat: server stages %s\n", snapshot)
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/chat/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, replies chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeAssistantReply), string(protocol.TypeErrorEvent):
			replies <- env
		}
	}
}

func awaitReply(replies <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-replies:
		return env, nil
	case err := <-readErrCh:
		return wsEnvelope{}, err
	case <-timer.C:
		return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
	}
}

// summarizeLatencies returns nearest-rank p50, p95 and the maximum.
func summarizeLatencies(results []turnResult) (p50, p95, worst time.Duration) {
	if len(results) == 0 {
		return 0, 0, 0
	}
	values := make([]time.Duration, len(results))
	for i, r := range results {
		values[i] = r.Latency
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	rank := func(p float64) time.Duration {
		idx := int(math.Ceil(p*float64(len(values)))) - 1
		if idx < 0 {
			idx = 0
		}
		return values[idx]
	}
	return rank(0.50), rank(0.95), values[len(values)-1]
}

func fetchPerf(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/perf/latency", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func deleteSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}
