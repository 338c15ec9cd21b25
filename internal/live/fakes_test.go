package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/livewire/internal/auth"
	"github.com/ent0n29/livewire/internal/protocol"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is a scripted server side. onWrite runs for every client frame and
// may push replies with c.push.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}

	closeOnce sync.Once
	closeCode atomic.Int32

	mu       sync.Mutex
	written  [][]byte
	onWrite  func(c *fakeConn, n int, data []byte)
	writeErr func(n int) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

// ackingConn acknowledges the setup envelope with setupComplete: {}.
func ackingConn() *fakeConn {
	c := newFakeConn()
	c.onWrite = func(c *fakeConn, n int, _ []byte) {
		if n == 0 {
			c.push(`{"setupComplete":{}}`)
		}
	}
	return c
}

func (c *fakeConn) push(s string) {
	select {
	case c.inbound <- []byte(s):
	case <-c.closed:
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.mu.Lock()
	n := len(c.written)
	var err error
	if c.writeErr != nil {
		err = c.writeErr(n)
	}
	if err == nil {
		c.written = append(c.written, append([]byte(nil), data...))
	}
	hook := c.onWrite
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(c, n, data)
	}
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, w := range c.written {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out connections from script in order. A nil entry with a
// non-nil error fails that attempt.
type fakeDialer struct {
	mu     sync.Mutex
	script []dialStep
	calls  int
	creds  []auth.Credential
	times  []time.Time
	conns  []*fakeConn
	// fallback is used once the script runs out.
	fallback func() (*fakeConn, error)
}

type dialStep struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, cred auth.Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.creds = append(d.creds, cred)
	d.times = append(d.times, time.Now())
	var step dialStep
	switch {
	case len(d.script) > 0:
		step, d.script = d.script[0], d.script[1:]
	case d.fallback != nil:
		step.conn, step.err = d.fallback()
	default:
		step.err = errors.New("no more scripted dials")
	}
	if step.err != nil {
		return nil, step.err
	}
	d.conns = append(d.conns, step.conn)
	return step.conn, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// countingProvider wraps a provider and counts invalidations. With rotate set
// it issues a fresh key after every invalidation, like a refreshable source.
type countingProvider struct {
	inner       auth.Provider
	rotate      bool
	invalidated atomic.Int32
}

func (p *countingProvider) Token(ctx context.Context) (auth.Credential, error) {
	if p.rotate {
		return auth.NewCredential(auth.KindAPIKey, fmt.Sprintf("key-%d", p.invalidated.Load())), nil
	}
	return p.inner.Token(ctx)
}

func (p *countingProvider) Invalidate() bool {
	p.invalidated.Add(1)
	refreshed := p.inner.Invalidate()
	return p.rotate || refreshed
}

func newTokens() *countingProvider {
	return &countingProvider{inner: auth.NewAPIKeyProvider("test-key")}
}

func newRotatingTokens() *countingProvider {
	return &countingProvider{inner: auth.NewAPIKeyProvider("test-key"), rotate: true}
}

type recordingHooks struct {
	mu       sync.Mutex
	states   []State
	delays   []time.Duration
	messages []protocol.Message
	drops    []string
	acks     []bool
}

func (h *recordingHooks) StateChanged(_, to State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, to)
}

func (h *recordingHooks) HandshakeComplete(resumed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks = append(h.acks, resumed)
}

func (h *recordingHooks) Message(m protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *recordingHooks) Dropped(reason string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drops = append(h.drops, reason)
}

func (h *recordingHooks) Retrying(_ int, delay time.Duration, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delays = append(h.delays, delay)
}

func (h *recordingHooks) snapshotStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *recordingHooks) snapshotDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func fastConfig() SupervisorConfig {
	return SupervisorConfig{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		GraceWindow:      time.Millisecond,
		BackoffBase:      2 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		BackoffJitter:    time.Millisecond,
		MaxAttempts:      5,
		Rand:             func() float64 { return 0.5 },
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got := s.WaitFor(ctx, func(st State) bool { return st == want })
	require.Equal(t, want, got)
}

func audioEnvelope(pcm []byte) string {
	return `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}}]}}}`
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
