package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/antoniostano/streamrelay/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	baseURL       string
	userID        string
	turns         int
	bufferSize    int
	interTurn     time.Duration
	turnTimeout   time.Duration
	texts         []string
	verbose       bool
	fetchServerPx bool
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// turnTiming is measured from sending the generate message.
type turnTiming struct {
	firstFrame time.Duration
	total      time.Duration
	frames     int
	errored    bool
}

var defaultPrompts = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfstream: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfstream: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id sent with every prompt")
	fs.IntVar(&cfg.turns, "turns", 10, "number of prompts to replay")
	fs.IntVar(&cfg.bufferSize, "buffer-size", 0, "per-request buffer size override (0 = server default)")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between prompts in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the done frame in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	fs.BoolVar(&cfg.fetchServerPx, "server-latency", true, "print /v1/perf/latency after the replay")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.bufferSize < 0 {
		return options{}, fmt.Errorf("buffer-size must be >= 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurn = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultPrompts...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
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
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := wsURLForBase(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		prompt := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfstream: turn %d/%d prompt=%q\n", i+1, cfg.turns, prompt)
		}
		timing, err := replayTurn(conn, protocol.Generate{
			Type:       protocol.TypeGenerate,
			Prompt:     prompt,
			UserID:     cfg.userID,
			BufferSize: cfg.bufferSize,
		}, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("perfstream: turn %d first_frame=%s total=%s frames=%d errored=%v\n",
				i+1, timing.firstFrame, timing.total, timing.frames, timing.errored)
		}
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}

	fmt.Println(summarize(timings))

	if cfg.fetchServerPx {
		if err := printServerLatency(ctx, cfg.baseURL); err != nil {
			fmt.Fprintf(os.Stderr, "perfstream: server latency: %v\n", err)
		}
	}
	return nil
}

func replayTurn(conn *websocket.Conn, msg protocol.Generate, timeout time.Duration) (turnTiming, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return turnTiming{}, err
	}
	start := time.Now()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return turnTiming{}, fmt.Errorf("send generate: %w", err)
	}

	var timing turnTiming
	deadline := start.Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return timing, fmt.Errorf("await done: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeText, protocol.TypeError:
			if timing.frames == 0 {
				timing.firstFrame = time.Since(start)
			}
			timing.frames++
			if env.Type == string(protocol.TypeError) {
				timing.errored = true
				if env.Code != "" {
					return timing, fmt.Errorf("server rejected prompt: %s: %s", env.Code, env.Detail)
				}
			}
		case protocol.TypeDone:
			timing.total = time.Since(start)
			return timing, nil
		}
	}
}

func wsURLForBase(baseURL string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/generate/ws"
	return u.String(), nil
}

func summarize(timings []turnTiming) string {
	if len(timings) == 0 {
		return "perfstream: no turns"
	}
	first := make([]time.Duration, 0, len(timings))
	total := make([]time.Duration, 0, len(timings))
	errored := 0
	for _, t := range timings {
		if t.frames > 0 {
			first = append(first, t.firstFrame)
		}
		total = append(total, t.total)
		if t.errored {
			errored++
		}
	}
	return fmt.Sprintf("perfstream: turns=%d errored=%d first_frame_p50=%s first_frame_p95=%s total_p50=%s total_p95=%s",
		len(timings), errored,
		percentile(first, 0.50), percentile(first, 0.95),
		percentile(total, 0.50), percentile(total, 0.95))
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)) + 0.5)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

func printServerLatency(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	var snapshot map[string]any
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		return err
	}
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("perfstream: server latency\n%s\n", out)
	return nil
}
