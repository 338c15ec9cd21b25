package main

import (
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/livewire/internal/live"
)

func TestEventsURLFor(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":       "ws://127.0.0.1:8080/v1/live/events",
		"https://voice.example/base/": "wss://voice.example/base/v1/live/events",
	}
	for in, want := range cases {
		got, err := eventsURLFor(in)
		if err != nil {
			t.Fatalf("eventsURLFor(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("eventsURLFor(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := eventsURLFor("ftp://host"); err == nil {
		t.Fatalf("eventsURLFor(ftp) error = nil, want error")
	}
}

func TestSummary(t *testing.T) {
	start := time.Unix(0, 0)
	s := newSummary(start)
	s.add(live.Event{Type: live.EventConnected}, start.Add(400*time.Millisecond))
	s.add(live.Event{Type: live.EventAudioResponse, Bytes: 960}, start.Add(1200*time.Millisecond))
	s.add(live.Event{Type: live.EventAudioResponse, Bytes: 960}, start.Add(1300*time.Millisecond))
	s.add(live.Event{Type: live.EventTranscript, Speaker: "model", Text: "hi"}, start.Add(1400*time.Millisecond))

	if s.audioBytes != 1920 {
		t.Fatalf("audioBytes = %d, want 1920", s.audioBytes)
	}
	if s.firstAudioAt != 1200*time.Millisecond {
		t.Fatalf("firstAudioAt = %v, want 1.2s", s.firstAudioAt)
	}
	out := s.String()
	if !strings.Contains(out, "connected_after=400ms") || !strings.Contains(out, "audio_response  2") {
		t.Fatalf("summary = %q", out)
	}
	if s.lastError != "" {
		t.Fatalf("lastError = %q, want empty", s.lastError)
	}

	s.add(live.Event{Type: live.EventError, Kind: live.KindService, Message: "bad model"}, start.Add(2*time.Second))
	if s.lastError != "service: bad model" {
		t.Fatalf("lastError = %q", s.lastError)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-base-url", "http://localhost:9000/", "-duration", "5s", "-resume"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://localhost:9000" || cfg.duration != 5*time.Second || !cfg.resume {
		t.Fatalf("parseFlags() = %+v", cfg)
	}
	if _, err := parseFlags([]string{"-duration", "0s"}); err == nil {
		t.Fatalf("parseFlags(duration=0) error = nil, want error")
	}
}
