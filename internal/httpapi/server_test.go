package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/livewire/internal/config"
	"github.com/ent0n29/livewire/internal/live"
	"github.com/ent0n29/livewire/internal/observability"
)

type fakeLive struct {
	mu         sync.Mutex
	state      live.State
	connectErr error
	connected  []live.ConnectParams
	resumed    int
	terminated int
}

func (f *fakeLive) Connect(_ context.Context, p live.ConnectParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, p)
	f.state = live.StateActive
	return nil
}

func (f *fakeLive) ResumeSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	f.state = live.StateActive
	return nil
}

func (f *fakeLive) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	f.state = live.StateTerminated
}

func (f *fakeLive) Snapshot() live.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return live.Snapshot{State: f.state}
}

func newTestServer(t *testing.T, svc LiveService) (*httptest.Server, *EventHub, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	hub := NewEventHub(4, metrics, nil)
	srv := New(config.Config{}, svc, hub, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, hub, metrics
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestConnectStatusTerminate(t *testing.T) {
	svc := &fakeLive{}
	ts, _, _ := newTestServer(t, svc)

	body := strings.NewReader(`{"model":" gemini-live-test ","voice":"Kore"}`)
	res, err := http.Post(ts.URL+"/v1/live/connect", "application/json", body)
	if err != nil {
		t.Fatalf("connect request error = %v", err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if got := decodeBody(t, res)["state"]; got != "Active" {
		t.Fatalf("connect state = %v, want Active", got)
	}
	if len(svc.connected) != 1 || svc.connected[0].Model != "gemini-live-test" || svc.connected[0].Voice != "Kore" {
		t.Fatalf("connect params = %+v, want trimmed model and voice", svc.connected)
	}

	statusRes, err := http.Get(ts.URL + "/v1/live/status")
	if err != nil {
		t.Fatalf("status request error = %v", err)
	}
	if got := decodeBody(t, statusRes)["state"]; got != "Active" {
		t.Fatalf("status state = %v, want Active", got)
	}

	for range 2 {
		termRes, err := http.Post(ts.URL+"/v1/live/terminate", "application/json", nil)
		if err != nil {
			t.Fatalf("terminate request error = %v", err)
		}
		if termRes.StatusCode != http.StatusOK {
			t.Fatalf("terminate status = %d, want %d", termRes.StatusCode, http.StatusOK)
		}
		if got := decodeBody(t, termRes)["state"]; got != "Terminated" {
			t.Fatalf("terminate state = %v, want Terminated", got)
		}
	}
	if svc.terminated != 2 {
		t.Fatalf("terminated = %d, want 2", svc.terminated)
	}
}

func TestConnectWithEmptyBody(t *testing.T) {
	svc := &fakeLive{}
	ts, _, _ := newTestServer(t, svc)

	res, err := http.Post(ts.URL+"/v1/live/connect", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("connect request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
}

func TestConnectErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"already active", live.ErrSessionActive, http.StatusConflict, "session_active"},
		{"auth", &live.Error{Kind: live.KindAuth, Code: 401, Message: "rejected"}, http.StatusUnauthorized, "auth"},
		{"service", &live.Error{Kind: live.KindService, Code: 400, Message: "bad model"}, http.StatusBadGateway, "service"},
		{"connection", &live.Error{Kind: live.KindConnectionFailed, Message: "gave up"}, http.StatusBadGateway, "connection_failed"},
		{"timeout", &live.Error{Kind: live.KindTimeout, Message: "handshake"}, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, _, _ := newTestServer(t, &fakeLive{connectErr: tc.err})
			res, err := http.Post(ts.URL+"/v1/live/connect", "application/json", nil)
			if err != nil {
				t.Fatalf("connect request error = %v", err)
			}
			if res.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.want)
			}
			if got := decodeBody(t, res)["code"]; got != tc.code {
				t.Fatalf("code = %v, want %v", got, tc.code)
			}
		})
	}
}

func TestConnectRejectsUnknownFields(t *testing.T) {
	ts, _, _ := newTestServer(t, &fakeLive{})
	res, err := http.Post(ts.URL+"/v1/live/connect", "application/json", strings.NewReader(`{"persona":"warm"}`))
	if err != nil {
		t.Fatalf("connect request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestResume(t *testing.T) {
	svc := &fakeLive{}
	ts, _, _ := newTestServer(t, svc)
	res, err := http.Post(ts.URL+"/v1/live/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("resume request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted || svc.resumed != 1 {
		t.Fatalf("resume status = %d resumed = %d, want 202 and 1", res.StatusCode, svc.resumed)
	}
}

func TestHealthMetricsAndPerf(t *testing.T) {
	ts, _, metrics := newTestServer(t, &fakeLive{})
	metrics.ObserveHandshake(420 * time.Millisecond)
	metrics.SessionEvent("session_connect")

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	raw, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(raw), "test_httpapi_session_events_total") {
		t.Fatalf("metrics body missing session events counter")
	}

	perfRes, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(perfRes.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf response: %v", err)
	}
	perfRes.Body.Close()
	found := false
	for _, st := range snap.Stages {
		if st.Stage == "handshake" && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("handshake stage missing from %+v", snap.Stages)
	}
}

func TestReadyWithoutManager(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestEventStream(t *testing.T) {
	ts, hub, _ := newTestServer(t, &fakeLive{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live/events"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events error = %v", err)
	}
	defer conn.Close()

	waitUntil(t, func() bool { return hub.Subscribers() == 1 })

	hub.OnEvent(live.Event{Type: live.EventAudioResponse, SessionID: "s-1", Audio: []byte{1, 2, 3, 4}, Bytes: 4})
	hub.OnEvent(live.Event{Type: live.EventTranscript, SessionID: "s-1", Text: "hello", Speaker: "model"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var audio map[string]any
	if err := conn.ReadJSON(&audio); err != nil {
		t.Fatalf("read audio event: %v", err)
	}
	if audio["type"] != "audio_response" || audio["bytes"] != float64(4) {
		t.Fatalf("audio event = %+v, want type audio_response and 4 bytes", audio)
	}
	if _, ok := audio["audio"]; ok {
		t.Fatalf("audio event carries payload: %+v", audio)
	}

	var transcript map[string]any
	if err := conn.ReadJSON(&transcript); err != nil {
		t.Fatalf("read transcript event: %v", err)
	}
	if transcript["text"] != "hello" {
		t.Fatalf("transcript text = %v, want hello", transcript["text"])
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitUntil(t, func() bool { return hub.Subscribers() == 0 })
}

func TestEventHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewEventHub(2, nil, nil)
	events, unsubscribe := hub.Subscribe()
	for range 5 {
		hub.OnEvent(live.Event{Type: live.EventTurnComplete})
	}
	if got := len(events); got != 2 {
		t.Fatalf("queued events = %d, want 2", got)
	}
	unsubscribe()
	unsubscribe()
	if got := hub.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0", got)
	}
	hub.OnEvent(live.Event{Type: live.EventTurnComplete})
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	ts, _, _ := newTestServer(t, &fakeLive{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live/events"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("dial with foreign origin succeeded, want error")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", res)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPerfLatencyStageFilter(t *testing.T) {
	ts, _, metrics := newTestServer(t, &fakeLive{})
	metrics.ObserveDial(120 * time.Millisecond)
	metrics.ObserveHandshake(300 * time.Millisecond)

	res, err := http.Get(ts.URL + "/v1/perf/latency?stage=dial")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf response: %v", err)
	}
	res.Body.Close()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "dial" {
		t.Fatalf("stages = %+v, want only dial", snap.Stages)
	}

	missing, err := http.Get(ts.URL + "/v1/perf/latency?stage=warp")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stage status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}
