package main

import (
	"bytes"
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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/carlink/internal/protocol"
)

type options struct {
	baseURL    string
	devices    int
	requests   int
	mode       string
	silent     int
	replyDelay time.Duration
	timeout    time.Duration
	verbose    bool
}

type result struct {
	deviceID string
	status   string
	code     int
	elapsed  time.Duration
	err      error
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfdispatch: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfdispatch: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var replyDelayMS int
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.IntVar(&cfg.devices, "devices", 4, "number of simulated car devices")
	flag.IntVar(&cfg.requests, "requests", 10, "awaited commands per device")
	flag.StringVar(&cfg.mode, "mode", "mixed", "command mix: volume|iot|mixed")
	flag.IntVar(&cfg.silent, "silent", 0, "simulated devices that never acknowledge (exercises the liveness check)")
	flag.IntVar(&replyDelayMS, "reply-delay-ms", 50, "delay before a simulated device acknowledges")
	flag.IntVar(&timeoutMS, "timeout-ms", 15000, "HTTP timeout per command in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every command result")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.devices <= 0 {
		return options{}, fmt.Errorf("devices must be > 0")
	}
	if cfg.requests <= 0 {
		return options{}, fmt.Errorf("requests must be > 0")
	}
	if cfg.silent < 0 || cfg.silent > cfg.devices {
		return options{}, fmt.Errorf("silent must be in [0,%d]", cfg.devices)
	}
	switch cfg.mode {
	case "volume", "iot", "mixed":
	default:
		return options{}, fmt.Errorf("invalid mode %q (expected volume|iot|mixed)", cfg.mode)
	}
	if replyDelayMS < 0 {
		replyDelayMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.replyDelay = time.Duration(replyDelayMS) * time.Millisecond
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	devices := make([]*simDevice, 0, cfg.devices)
	defer func() {
		for _, d := range devices {
			d.close()
		}
	}()
	for i := 0; i < cfg.devices; i++ {
		id := fmt.Sprintf("perf-%03d", i+1)
		d, err := dialDevice(ctx, cfg.baseURL, id, i < cfg.silent, cfg.replyDelay)
		if err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		devices = append(devices, d)
	}
	if cfg.verbose {
		fmt.Printf("perfdispatch: %d devices connected (%d silent)\n", len(devices), cfg.silent)
	}
	// Give the gateway a moment to register every socket.
	time.Sleep(200 * time.Millisecond)

	client := &http.Client{Timeout: cfg.timeout}
	results := make(chan result, cfg.devices*cfg.requests)
	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			for i := 0; i < cfg.requests; i++ {
				path, body := commandFor(cfg.mode, deviceID, i)
				r := postCommand(ctx, client, cfg.baseURL+path, body)
				r.deviceID = deviceID
				if cfg.verbose {
					fmt.Printf("perfdispatch: %s %s status=%s http=%d elapsed=%s\n", deviceID, path, r.status, r.code, r.elapsed.Round(time.Millisecond))
				}
				results <- r
			}
		}(d.id)
	}
	wg.Wait()
	close(results)

	all := make([]result, 0, cfg.devices*cfg.requests)
	for r := range results {
		all = append(all, r)
	}
	printSummary(os.Stdout, summarize(all))

	if snapshot, err := fetchSnapshot(ctx, client, cfg.baseURL); err == nil {
		fmt.Printf("perfdispatch: server window %s\n", snapshot)
	}
	return nil
}

// commandFor picks the i-th command of a run.
func commandFor(mode, deviceID string, i int) (string, map[string]any) {
	useIoT := mode == "iot" || (mode == "mixed" && i%2 == 1)
	if useIoT {
		// Alternate lock/unlock so repeated runs leave the car as it was.
		code := 2
		if i%4 == 3 {
			code = 3
		}
		return "/v1/device/control", map[string]any{"device_id": deviceID, "command": code}
	}
	return "/v1/peripheral/control", map[string]any{
		"action":    "volume",
		"device_id": deviceID,
		"value":     (i * 7) % 101,
	}
}

func postCommand(ctx context.Context, client *http.Client, endpoint string, body map[string]any) result {
	payload, err := json.Marshal(body)
	if err != nil {
		return result{err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return result{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return result{err: err, elapsed: time.Since(started)}
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	out := result{code: res.StatusCode, elapsed: time.Since(started)}

	var decoded struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil {
		out.status = decoded.Status
		if out.status == "" {
			out.status = decoded.Code
		}
	}
	if out.status == "" {
		out.status = fmt.Sprintf("http_%d", res.StatusCode)
	}
	return out
}

func fetchSnapshot(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/dispatch", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

type summary struct {
	total    int
	failures int
	statuses map[string]int
	p50      time.Duration
	p95      time.Duration
	max      time.Duration
}

func summarize(results []result) summary {
	s := summary{total: len(results), statuses: make(map[string]int)}
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			s.failures++
			s.statuses["transport_error"]++
			continue
		}
		s.statuses[r.status]++
		latencies = append(latencies, r.elapsed)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.p50 = quantile(latencies, 0.50)
	s.p95 = quantile(latencies, 0.95)
	if n := len(latencies); n > 0 {
		s.max = latencies[n-1]
	}
	return s
}

func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "perfdispatch: %d commands, %d transport failures\n", s.total, s.failures)
	keys := make([]string, 0, len(s.statuses))
	for k := range s.statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, s.statuses[k])
	}
	fmt.Fprintf(w, "  latency p50=%s p95=%s max=%s\n",
		s.p50.Round(time.Millisecond), s.p95.Round(time.Millisecond), s.max.Round(time.Millisecond))
}

// simDevice is a fake car that acknowledges commands like the firmware does.
type simDevice struct {
	id     string
	conn   *websocket.Conn
	silent bool
	delay  time.Duration

	writeMu sync.Mutex
	done    chan struct{}
}

func dialDevice(ctx context.Context, baseURL, deviceID string, silent bool, delay time.Duration) (*simDevice, error) {
	wsURL, err := deviceWSURL(baseURL, deviceID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("device-id", deviceID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	d := &simDevice{id: deviceID, conn: conn, silent: silent, delay: delay, done: make(chan struct{})}
	go d.readLoop()
	return d, nil
}

func deviceWSURL(baseURL, deviceID string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/device/ws"
	q := u.Query()
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop also keeps the default ping handler running, so silent devices
// still answer liveness pings.
func (d *simDevice) readLoop() {
	defer close(d.done)
	for {
		kind, data, err := d.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage || d.silent {
			continue
		}
		reply, ok := replyFor(data)
		if !ok {
			continue
		}
		go func() {
			if d.delay > 0 {
				time.Sleep(d.delay)
			}
			d.writeMu.Lock()
			_ = d.conn.WriteJSON(reply)
			d.writeMu.Unlock()
		}()
	}
}

// replyFor builds the acknowledgement firmware sends for a command frame.
func replyFor(data []byte) (map[string]any, bool) {
	var env struct {
		Type      protocol.MessageType `json:"type"`
		Action    string               `json:"action"`
		Value     *int                 `json:"value"`
		Cmd       int                  `json:"cmd"`
		RequestID string               `json:"request_id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	switch env.Type {
	case protocol.TypePeripheral:
		if env.Value == nil {
			return nil, false
		}
		switch env.Action {
		case protocol.ActionVolumeSet:
			return map[string]any{"type": protocol.TypeReply, "content": "volume", "value": *env.Value}, true
		case protocol.ActionMic:
			return map[string]any{"type": protocol.TypeReply, "content": "mic", "value": *env.Value}, true
		}
	case protocol.TypeIoT:
		return map[string]any{"type": protocol.TypeReply, "content": "iot", "value": env.Cmd, "request_id": env.RequestID}, true
	}
	return nil, false
}

func (d *simDevice) close() {
	d.writeMu.Lock()
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	d.writeMu.Unlock()
	_ = d.conn.Close()
	<-d.done
}
