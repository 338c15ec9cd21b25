package live

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livewire/internal/auth"
	"github.com/ent0n29/livewire/internal/observability"
	"github.com/ent0n29/livewire/internal/protocol"
	"github.com/ent0n29/livewire/internal/reliability"
)

// ErrOutboundFull is returned by Send when the writer has fallen behind and
// the frame was dropped.
var ErrOutboundFull = errors.New("live: outbound queue full")

type SupervisorConfig struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	GraceWindow      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    time.Duration
	MaxAttempts      int
	OutboundQueue    int

	// Rand overrides the jitter source.
	Rand func() float64
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	return c
}

// Hooks receive supervisor notifications. They are called from supervisor
// goroutines without its lock held and must not call Stop.
type Hooks interface {
	StateChanged(from, to State)
	HandshakeComplete(resumed bool)
	Message(msg protocol.Message)
	// Dropped reports an established connection that was lost and will be
	// retried.
	Dropped(reason string, err error)
	// Retrying reports a scheduled reconnect after a failed attempt.
	Retrying(attempt int, delay time.Duration, err error)
}

type nopHooks struct{}

func (nopHooks) StateChanged(State, State) {}
func (nopHooks) HandshakeComplete(bool) {}
func (nopHooks) Message(protocol.Message) {}
func (nopHooks) Dropped(string, error) {}
func (nopHooks) Retrying(int, time.Duration, error) {}

// AudioFrame is one chunk of 16-bit PCM bound for the service.
type AudioFrame struct {
	PCM        []byte
	SampleRate int
}

type outbound struct {
	kind string
	data []byte
}

// attemptResult describes how one connection attempt ended. stable is set
// when the connection stayed Active past the grace window.
type attemptResult struct {
	err       error
	reason    string
	terminal  error
	stable    bool
	immediate bool
}

// Supervisor owns the socket, the credential and the resumption handle for
// one session. It connects, performs the handshake, keeps a single writer per
// connection and reconnects with backoff until stopped or out of attempts.
type Supervisor struct {
	cfg     SupervisorConfig
	dialer  Dialer
	tokens  auth.Provider
	hooks   Hooks
	logger  *zap.Logger
	metrics *observability.Metrics
	decoder *protocol.Decoder

	mu         sync.Mutex
	state      State
	changed    chan struct{}
	conn       Conn
	out        chan outbound
	cred       auth.Credential
	rejected   auth.Credential
	rejectCode int
	handle     string
	resumable  bool
	graceUntil time.Time
	err        error
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSupervisor(cfg SupervisorConfig, dialer Dialer, tokens auth.Provider, hooks Hooks, logger *zap.Logger, metrics *observability.Metrics) *Supervisor {
	if hooks == nil {
		hooks = nopHooks{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "supervisor"))
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		tokens:  tokens,
		hooks:   hooks,
		logger:  logger,
		metrics: metrics,
		decoder: protocol.NewDecoder(logger),
		changed: make(chan struct{}),
	}
}

// Start launches the connection loop. A non-empty resumeHandle makes the
// first attempt a resumption. The loop keeps ctx's values but not its
// cancellation; use Stop to end it.
func (s *Supervisor) Start(ctx context.Context, params protocol.SetupParams, resumeHandle string) error {
	s.mu.Lock()
	if s.state != StateIdle || s.cancel != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.handle = resumeHandle
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx, params, done)
	return nil
}

// Stop cancels every pending wait, closes the socket with a normal closure,
// wipes the credential and returns once the loop has exited. It is safe to
// call more than once and before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		s.setState(StateTerminated)
		s.wipeCredential()
		return
	}
	cancel()
	<-done
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResumptionHandle returns the latest handle issued by the service.
func (s *Supervisor) ResumptionHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Resumable reports whether the service marked the latest handle usable.
func (s *Supervisor) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumable
}

// Err returns the terminal error, if the loop gave up.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the loop exits. Before Start it is never closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return make(chan struct{})
	}
	return s.done
}

// WaitFor blocks until pred holds for the current state or ctx is done, and
// returns the last state seen.
func (s *Supervisor) WaitFor(ctx context.Context, pred func(State) bool) State {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if pred(st) {
			return st
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st
		}
	}
}

// Send queues one audio frame behind any frames already queued. It fails
// with ErrNotActive unless the handshake has completed on the current
// connection.
func (s *Supervisor) Send(frame AudioFrame) error {
	data, err := protocol.EncodeAudioChunk(frame.PCM, frame.SampleRate)
	if err != nil {
		return newError(KindProtocol, 0, "encode audio chunk", err)
	}
	return s.enqueue(outbound{kind: "audio", data: data})
}

// SendEndOfStream tells the service the current utterance has ended.
func (s *Supervisor) SendEndOfStream() error {
	data, err := protocol.EncodeAudioStreamEnd()
	if err != nil {
		return newError(KindProtocol, 0, "encode stream end", err)
	}
	return s.enqueue(outbound{kind: "audio_stream_end", data: data})
}

func (s *Supervisor) enqueue(f outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.out == nil {
		s.metrics.DroppedFrame("not_active")
		return ErrNotActive
	}
	select {
	case s.out <- f:
		return nil
	default:
		s.metrics.DroppedFrame("outbound_full")
		return ErrOutboundFull
	}
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.metrics.SetState(to.String(), StateNames())
	s.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.hooks.StateChanged(from, to)
}

func (s *Supervisor) inGrace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.graceUntil)
}

func (s *Supervisor) swapCredential(c auth.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.Zero()
	s.cred = c
}

func (s *Supervisor) wipeCredential() {
	s.swapCredential(auth.Credential{})
	s.forgetRejected()
}

func (s *Supervisor) forgetRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected.Zero()
	s.rejected = auth.Credential{}
	s.rejectCode = 0
}

// rejectCredential handles a 401/403 from the service. The attempt is only
// retried when the provider can hand out a different credential.
func (s *Supervisor) rejectCredential(code int, msg string, cause error) attemptResult {
	err := newError(KindAuth, code, msg, cause)
	if !s.tokens.Invalidate() {
		s.logger.Warn("service rejected credential; provider cannot refresh it", zap.Int("code", code))
		return attemptResult{terminal: err}
	}
	s.mu.Lock()
	s.rejected.Zero()
	s.rejected = s.cred.Clone()
	s.rejectCode = code
	s.mu.Unlock()
	s.logger.Warn("service rejected credential; refreshing", zap.Int("code", code))
	return attemptResult{err: err, reason: "auth_rejected"}
}

// reissued reports whether cred is the credential the service last rejected.
func (s *Supervisor) reissued(cred auth.Credential) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected.Empty() {
		return 0, false
	}
	return s.rejectCode, s.rejected.Equal(cred)
}

func (s *Supervisor) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("connection supervisor gave up", zap.Error(err))
	}
	s.setState(StateTerminated)
}

func (s *Supervisor) run(ctx context.Context, params protocol.SetupParams, done chan struct{}) {
	defer close(done)
	defer s.wipeCredential()

	backoff := &reliability.Backoff{
		Base:   s.cfg.BackoffBase,
		Max:    s.cfg.BackoffMax,
		Jitter: s.cfg.BackoffJitter,
		Rand:   s.cfg.Rand,
	}
	failures := 0
	for {
		if ctx.Err() != nil {
			s.finish(nil)
			return
		}
		res := s.attempt(ctx, params)
		if ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if res.terminal != nil {
			s.finish(res.terminal)
			return
		}
		s.metrics.Reconnect(res.reason)
		if res.stable {
			failures = 0
			backoff.Reset()
		}
		// A drop inside the grace window still counts against the ceiling,
		// even when the service asked for the reconnect.
		if !res.stable || !res.immediate {
			failures++
			if failures >= s.cfg.MaxAttempts {
				s.finish(newError(KindConnectionFailed, CodeOf(res.err), fmt.Sprintf("gave up after %d attempts", failures), res.err))
				return
			}
		}
		if res.immediate {
			s.logger.Info("service asked to reconnect; resuming now", zap.String("reason", res.reason))
			s.setState(StateReconnecting)
			continue
		}
		delay := backoff.Next()
		s.setState(StateReconnecting)
		s.logger.Info("reconnecting",
			zap.Int("attempt", failures),
			zap.Duration("delay", delay),
			zap.String("reason", res.reason),
			zap.Error(res.err),
		)
		s.hooks.Retrying(failures, delay, res.err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.finish(nil)
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) attempt(ctx context.Context, params protocol.SetupParams) attemptResult {
	s.setState(StateConnecting)

	cred, err := s.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}
		}
		return attemptResult{terminal: newError(KindAuth, 0, "token provider failed", err)}
	}
	if code, same := s.reissued(cred); same {
		cred.Zero()
		return attemptResult{terminal: newError(KindAuth, code, "provider returned the rejected credential again", nil)}
	}
	s.swapCredential(cred)

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.dialer.Dial(dialCtx, cred)
	cancel()
	if err != nil {
		s.metrics.ConnectAttempt("dial_failed")
		if ctx.Err() != nil {
			return attemptResult{}
		}
		return s.classifyDialError(err)
	}
	s.metrics.ObserveDial(time.Since(start))
	return s.converse(ctx, conn, params, start)
}

func (s *Supervisor) classifyDialError(err error) attemptResult {
	var de *DialError
	if errors.As(err, &de) && de.StatusCode != 0 {
		code := de.StatusCode
		switch {
		case reliability.ClassifyServiceCode(code) == reliability.ActionReauthenticate:
			return s.rejectCredential(code, "credential rejected", err)
		case reliability.IsRetryableHTTPStatus(code):
			return attemptResult{err: newError(KindService, code, "upgrade refused", err), reason: "status_" + strconv.Itoa(code)}
		default:
			// The transport never opened; retried up to the attempt ceiling.
			return attemptResult{err: newError(KindConnectionFailed, code, "upgrade refused", err), reason: "status_" + strconv.Itoa(code)}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return attemptResult{err: newError(KindTimeout, 0, "connect timed out", err), reason: "connect_timeout"}
	}
	return attemptResult{err: newError(KindConnectionFailed, 0, "dial failed", err), reason: "dial_error"}
}

// converse runs one open connection: setup, handshake wait, then reader and
// writer until the connection drops or ctx is cancelled.
func (s *Supervisor) converse(ctx context.Context, conn Conn, params protocol.SetupParams, dialStart time.Time) attemptResult {
	connCtx, connCancel := context.WithCancel(ctx)
	out := make(chan outbound, s.cfg.OutboundQueue)
	drops := make(chan attemptResult, 2)
	report := func(r attemptResult) {
		select {
		case drops <- r:
		default:
		}
	}
	acked := make(chan struct{})
	var wg sync.WaitGroup

	s.mu.Lock()
	s.conn = conn
	handle := s.handle
	s.mu.Unlock()

	defer func() {
		connCancel()
		s.mu.Lock()
		s.conn = nil
		s.out = nil
		s.mu.Unlock()
		_ = conn.Close(closeNormal, "")
		wg.Wait()
	}()

	s.setState(StateAwaitingHandshake)

	envelope, resumed, err := setupEnvelope(params, handle)
	if err != nil {
		return attemptResult{terminal: newError(KindProtocol, 0, "encode setup", err)}
	}
	if err := conn.WriteMessage(envelope); err != nil {
		return attemptResult{err: newError(KindConnectionFailed, 0, "send setup", err), reason: "setup_write"}
	}
	s.metrics.OutboundFrame("setup")

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(connCtx, conn, acked, report)
	}()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	select {
	case <-ctx.Done():
		timer.Stop()
		return attemptResult{}
	case r := <-drops:
		timer.Stop()
		s.metrics.ConnectAttempt("handshake_failed")
		return r
	case <-timer.C:
		s.metrics.ConnectAttempt("handshake_timeout")
		return attemptResult{err: newError(KindTimeout, 0, "no setup acknowledgement", nil), reason: "handshake_timeout"}
	case <-acked:
		timer.Stop()
	}

	s.metrics.ConnectAttempt("ok")
	s.metrics.ObserveHandshake(time.Since(dialStart))
	s.mu.Lock()
	s.out = out
	s.graceUntil = time.Now().Add(s.cfg.GraceWindow)
	s.mu.Unlock()
	s.setState(StateActive)
	s.forgetRejected()
	s.logger.Info("session active", zap.Bool("resumed", resumed))
	s.hooks.HandshakeComplete(resumed)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(connCtx, conn, out, report)
	}()

	select {
	case <-ctx.Done():
		return attemptResult{}
	case r := <-drops:
		r.stable = !s.inGrace()
		if r.terminal == nil {
			s.hooks.Dropped(r.reason, r.err)
		}
		return r
	}
}

func setupEnvelope(params protocol.SetupParams, handle string) ([]byte, bool, error) {
	if handle != "" {
		b, err := protocol.EncodeResumption(params, handle)
		return b, true, err
	}
	b, err := protocol.EncodeSetup(params)
	return b, false, err
}

func (s *Supervisor) readLoop(ctx context.Context, conn Conn, acked chan struct{}, report func(attemptResult)) {
	var ackOnce sync.Once
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := "read_error"
			if IsNormalClosure(err) {
				reason = "closed_by_service"
			}
			report(attemptResult{err: newError(KindConnectionFailed, 0, "connection lost", err), reason: reason})
			return
		}

		msgs, err := s.decoder.Decode(raw)
		if err != nil {
			s.metrics.ProtocolError()
			s.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		for _, m := range msgs {
			s.metrics.InboundMessage(string(m.Kind))
			switch m.Kind {
			case protocol.KindSetupAck:
				ackOnce.Do(func() { close(acked) })
			case protocol.KindResumption:
				s.mu.Lock()
				if m.Handle != "" {
					s.handle = m.Handle
				}
				s.resumable = m.Resumable
				s.mu.Unlock()
				s.hooks.Message(m)
			case protocol.KindError:
				report(s.classifyNotice(m))
				return
			case protocol.KindGoAway:
				s.logger.Info("service going away", zap.Duration("time_left", m.TimeLeft))
				s.hooks.Message(m)
				report(attemptResult{immediate: true, reason: "go_away"})
				return
			default:
				s.hooks.Message(m)
			}
		}
	}
}

func (s *Supervisor) classifyNotice(m protocol.Message) attemptResult {
	code := m.Code
	msg := m.Message
	if msg == "" {
		msg = m.Status
	}
	switch reliability.ClassifyServiceCode(code) {
	case reliability.ActionReauthenticate:
		return s.rejectCredential(code, msg, nil)
	case reliability.ActionReconnect:
		return attemptResult{err: newError(KindService, code, msg, nil), reason: "service_" + strconv.Itoa(code)}
	default:
		return attemptResult{terminal: newError(KindService, code, msg, nil)}
	}
}

func (s *Supervisor) writeLoop(ctx context.Context, conn Conn, out <-chan outbound, report func(attemptResult)) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if err := conn.WriteMessage(f.data); err != nil {
				if ctx.Err() != nil {
					return
				}
				if s.inGrace() {
					s.metrics.DroppedFrame("grace_write_error")
					s.logger.Debug("write failed inside grace window; frame dropped", zap.String("kind", f.kind), zap.Error(err))
					continue
				}
				report(attemptResult{err: newError(KindConnectionFailed, 0, "write failed", err), reason: "write_error"})
				return
			}
			s.metrics.OutboundFrame(f.kind)
		}
	}
}
