package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livewire/internal/live"
)

type options struct {
	baseURL     string
	model       string
	voice       string
	instruction string
	resume      bool
	duration    time.Duration
	keep        bool
	verbose     bool
}

type summary struct {
	started      time.Time
	counts       map[live.EventType]int
	audioBytes   int
	connectedAt  time.Duration
	firstAudioAt time.Duration
	transcripts  []string
	lastError    string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "livectl: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "livectl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("livectl", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "livewire base URL")
	fs.StringVar(&cfg.model, "model", "", "model override for connect")
	fs.StringVar(&cfg.voice, "voice", "", "voice override for connect")
	fs.StringVar(&cfg.instruction, "system", "", "system instruction override for connect")
	fs.BoolVar(&cfg.resume, "resume", false, "resume the last session instead of connecting fresh")
	fs.DurationVar(&cfg.duration, "duration", 30*time.Second, "how long to watch the event stream")
	fs.BoolVar(&cfg.keep, "keep", false, "leave the session running on exit")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print every event")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.duration <= 0 {
		return options{}, fmt.Errorf("duration must be > 0")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+30*time.Second)
	defer cancel()

	eventsURL, err := eventsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build events URL: %w", err)
	}
	// subscribe first so the connected event is not missed
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, eventsURL, nil)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close()

	client := &http.Client{Timeout: 45 * time.Second}
	sum := newSummary(time.Now())
	path, body := "/v1/live/connect", live.ConnectParams{Model: cfg.model, Voice: cfg.voice, SystemInstruction: cfg.instruction}
	if cfg.resume {
		path = "/v1/live/resume"
	}
	if err := post(ctx, client, cfg.baseURL+path, body); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !cfg.keep {
		defer func() {
			_ = post(context.Background(), client, cfg.baseURL+"/v1/live/terminate", nil)
		}()
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.duration))
	for {
		var ev live.Event
		if err := conn.ReadJSON(&ev); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return fmt.Errorf("event stream: %w", err)
		}
		sum.add(ev, time.Now())
		if cfg.verbose {
			fmt.Println(describe(ev))
		}
		if ev.Type == live.EventError {
			break
		}
	}

	fmt.Print(sum.String())
	if sum.lastError != "" {
		return fmt.Errorf("session failed: %s", sum.lastError)
	}
	return nil
}

func post(ctx context.Context, client *http.Client, endpoint string, body any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func eventsURLFor(baseURL string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/live/events"
	return u.String(), nil
}

func newSummary(started time.Time) *summary {
	return &summary{started: started, counts: make(map[live.EventType]int)}
}

func (s *summary) add(ev live.Event, at time.Time) {
	s.counts[ev.Type]++
	switch ev.Type {
	case live.EventConnected:
		if s.connectedAt == 0 {
			s.connectedAt = at.Sub(s.started)
		}
	case live.EventAudioResponse:
		s.audioBytes += ev.Bytes
		if s.firstAudioAt == 0 {
			s.firstAudioAt = at.Sub(s.started)
		}
	case live.EventTranscript:
		s.transcripts = append(s.transcripts, ev.Speaker+": "+ev.Text)
	case live.EventError:
		s.lastError = fmt.Sprintf("%s: %s", ev.Kind, ev.Message)
	}
}

func (s *summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "livectl: connected_after=%s first_audio_after=%s audio_bytes=%d\n",
		formatDuration(s.connectedAt), formatDuration(s.firstAudioAt), s.audioBytes)
	types := make([]string, 0, len(s.counts))
	for t := range s.counts {
		types = append(types, string(t))
	}
	slices.Sort(types)
	for _, t := range types {
		fmt.Fprintf(&b, "livectl:   %-15s %d\n", t, s.counts[live.EventType(t)])
	}
	return b.String()
}

func describe(ev live.Event) string {
	switch ev.Type {
	case live.EventTranscript:
		return fmt.Sprintf("%s [%s] %s", ev.Type, ev.Speaker, ev.Text)
	case live.EventAudioResponse:
		return fmt.Sprintf("%s %d bytes", ev.Type, ev.Bytes)
	case live.EventDisconnected:
		return fmt.Sprintf("%s reason=%s", ev.Type, ev.Reason)
	case live.EventError:
		return fmt.Sprintf("%s kind=%s %s", ev.Type, ev.Kind, ev.Message)
	default:
		return string(ev.Type)
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
