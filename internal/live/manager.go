package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/livewire/internal/audio"
	"github.com/ent0n29/livewire/internal/auth"
	"github.com/ent0n29/livewire/internal/device"
	"github.com/ent0n29/livewire/internal/observability"
	"github.com/ent0n29/livewire/internal/playback"
	"github.com/ent0n29/livewire/internal/policy"
	"github.com/ent0n29/livewire/internal/protocol"
	"github.com/ent0n29/livewire/internal/session"
	"github.com/ent0n29/livewire/internal/store"
	"github.com/ent0n29/livewire/internal/vad"
)

const (
	storeSessionKind = "live_audio"
	storeTimeout     = 3 * time.Second
)

type ManagerConfig struct {
	Supervisor        SupervisorConfig
	ConnectWait       time.Duration
	InputSampleRate   int
	OutputSampleRate  int
	VAD               vad.Config
	Playback          playback.Config
	CaptureQueue      int
	InactivityTimeout time.Duration
	JanitorInterval   time.Duration

	// Defaults fill in whatever ConnectParams leaves empty.
	Defaults protocol.SetupParams
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ConnectWait <= 0 {
		c.ConnectWait = 5 * time.Second
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = audio.DefaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = audio.DefaultOutputSampleRate
	}
	if c.CaptureQueue <= 0 {
		c.CaptureQueue = 32
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 10 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 5 * time.Second
	}
	return c
}

// Deps are the collaborators a Manager drives. Store, Redactor, Observer,
// Logger and Metrics may be nil.
type Deps struct {
	Tokens   auth.Provider
	Dialer   Dialer
	Store    store.Store
	Redactor policy.Redactor
	Capture  device.Capturer
	Player   device.Player
	Observer Observer
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// ConnectParams override the configured model, voice and system instruction.
type ConnectParams struct {
	Model             string `json:"model,omitempty"`
	Voice             string `json:"voice,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	State     State            `json:"state"`
	Session   *session.Session `json:"session,omitempty"`
	Playback  playback.Stats   `json:"playback"`
	Resumable bool             `json:"resumable"`
}

// liveSession is everything owned by one connect..terminate span.
type liveSession struct {
	id     string
	sup    *Supervisor
	pb     *playback.Buffer
	cancel context.CancelFunc
	group  *errgroup.Group
	frames chan []float32

	mu          sync.Mutex
	closed      bool
	capturing   bool
	storeID     string
	endOfStream time.Time
}

// Manager is the entry point for live audio sessions. It holds at most one
// session at a time.
type Manager struct {
	cfg      ManagerConfig
	deps     Deps
	logger   *zap.Logger
	tracker  *session.Tracker
	observer Observer

	// lifecycle serializes opening and tearing down sessions.
	lifecycle sync.Mutex

	mu         sync.Mutex
	current    *liveSession
	ended      bool
	lastParams protocol.SetupParams
	lastHandle string
}

func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Redactor == nil {
		deps.Redactor = policy.NewPIIRedactor(deps.Logger)
	} else {
		deps.Redactor = policy.Safe(deps.Redactor, deps.Logger)
	}
	if deps.Player == nil {
		deps.Player = device.NewMockDevice(cfg.OutputSampleRate, 0)
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With(zap.String("component", "live_manager")),
		tracker:  session.NewTracker(cfg.InactivityTimeout),
		observer: observer,
	}
}

// Connect opens a new session and waits up to ConnectWait for the transport
// to open or the handshake to finish. It returns nil on timeout; the retry
// loop keeps going in the background.
func (m *Manager) Connect(ctx context.Context, p ConnectParams) error {
	return m.open(ctx, m.setupParams(p), false)
}

// ResumeSession reconnects with the last cached resumption handle, or falls
// back to Connect with the previous parameters when there is none.
func (m *Manager) ResumeSession(ctx context.Context) error {
	m.mu.Lock()
	params := m.lastParams
	m.mu.Unlock()
	if params.Model == "" {
		params = m.setupParams(ConnectParams{})
	}
	return m.open(ctx, params, true)
}

// Terminate tears the session down. It is idempotent and safe from any state.
func (m *Manager) Terminate() {
	m.mu.Lock()
	s := m.current
	m.ended = true
	m.mu.Unlock()
	m.teardown(s, "terminated", false)
}

func (m *Manager) State() State {
	m.mu.Lock()
	s, ended := m.current, m.ended
	m.mu.Unlock()
	if s != nil {
		return s.sup.State()
	}
	if ended {
		return StateTerminated
	}
	return StateIdle
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s, handle := m.current, m.lastHandle
	m.mu.Unlock()

	snap := Snapshot{State: m.State(), Resumable: handle != ""}
	if cur, err := m.tracker.Current(); err == nil {
		snap.Session = cur
	}
	if s != nil {
		snap.Playback = s.pb.Stats()
		snap.Resumable = s.sup.ResumptionHandle() != ""
	}
	return snap
}

func (m *Manager) setupParams(p ConnectParams) protocol.SetupParams {
	params := m.cfg.Defaults
	if p.Model != "" {
		params.Model = p.Model
	}
	if p.Voice != "" {
		params.Voice = p.Voice
	}
	if p.SystemInstruction != "" {
		params.SystemInstruction = p.SystemInstruction
	}
	return params
}

func (m *Manager) open(ctx context.Context, params protocol.SetupParams, resume bool) error {
	if m.deps.Tokens == nil || m.deps.Dialer == nil {
		return newError(KindConnectionFailed, 0, "no credential source configured", auth.ErrNoCredential)
	}

	m.lifecycle.Lock()
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()
	if prev != nil {
		if prev.sup.State() != StateTerminated {
			m.lifecycle.Unlock()
			return ErrSessionActive
		}
		// the previous session failed and its teardown has not run yet
		m.teardownLocked(prev, "connection_failed", true)
	}

	handle, auditAction := "", "session_connect"
	if resume {
		m.mu.Lock()
		handle = m.lastHandle
		m.mu.Unlock()
		if handle == "" {
			m.logger.Info("no resumption handle cached; connecting fresh")
		} else {
			auditAction = "session_resume"
		}
	}

	rec, err := m.tracker.Begin(StateConnecting.String(), params.Model, params.Voice)
	if err != nil {
		m.lifecycle.Unlock()
		return ErrSessionActive
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(sessCtx)
	s := &liveSession{
		id:     rec.ID,
		pb:     playback.New(m.deps.Player, m.cfg.Playback, m.deps.Logger, m.deps.Metrics),
		cancel: cancel,
		group:  g,
		frames: make(chan []float32, m.cfg.CaptureQueue),
	}
	logger := m.deps.Logger.With(zap.String("session_id", s.id))
	s.sup = NewSupervisor(m.cfg.Supervisor, m.deps.Dialer, m.deps.Tokens, &sessionHooks{m: m, s: s}, logger, m.deps.Metrics)

	m.mu.Lock()
	m.current = s
	m.ended = false
	m.lastParams = params
	m.mu.Unlock()

	if err := s.sup.Start(sessCtx, params, handle); err != nil {
		cancel()
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		_, _ = m.tracker.End(StateTerminated.String())
		m.lifecycle.Unlock()
		return err
	}
	g.Go(func() error { return s.pb.Run(gctx) })
	g.Go(func() error { return m.captureLoop(gctx, s) })
	g.Go(func() error {
		err := m.tracker.RunJanitor(gctx, m.cfg.JanitorInterval, func(idle *session.Session) {
			m.logger.Info("session idle; terminating", zap.String("session_id", idle.ID))
			go m.teardown(s, "inactivity", false)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return m.watch(gctx, s) })

	m.deps.Metrics.SetActiveSessions(1)
	m.deps.Metrics.SessionEvent(auditAction)
	m.audit(auditAction, "", store.Metadata{
		"session_id": s.id,
		"model":      params.Model,
		"resumed":    handle != "",
	})
	m.logger.Info("session starting", zap.String("session_id", s.id), zap.Bool("resume", handle != ""))
	m.lifecycle.Unlock()

	wctx, wcancel := context.WithTimeout(ctx, m.cfg.ConnectWait)
	defer wcancel()
	st := s.sup.WaitFor(wctx, func(st State) bool {
		return st == StateAwaitingHandshake || st == StateActive || st == StateTerminated
	})
	if st == StateTerminated {
		return s.sup.Err()
	}
	return nil
}

// watch turns a supervisor that gave up into an error event and a teardown.
func (m *Manager) watch(ctx context.Context, s *liveSession) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.sup.Done():
	}
	err := s.sup.Err()
	if err == nil {
		return nil
	}
	m.emit(s, Event{Type: EventError, Kind: KindOf(err), Message: err.Error()})
	go m.teardown(s, "connection_failed", true)
	return nil
}

func (m *Manager) teardown(s *liveSession, reason string, keepHandle bool) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.teardownLocked(s, reason, keepHandle)
}

// teardownLocked releases everything s owns. Callers hold m.lifecycle.
func (m *Manager) teardownLocked(s *liveSession, reason string, keepHandle bool) {
	if s == nil {
		return
	}
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()

	s.cancel()

	s.mu.Lock()
	s.closed = true
	capturing := s.capturing
	s.capturing = false
	s.mu.Unlock()
	if capturing && m.deps.Capture != nil {
		if err := m.deps.Capture.StopCapture(); err != nil {
			m.logger.Warn("stop capture failed", zap.Error(err))
		}
	}

	handle := s.sup.ResumptionHandle()
	s.sup.Stop()
	s.pb.Clear()
	if err := s.group.Wait(); err != nil {
		m.logger.Warn("session task failed", zap.String("session_id", s.id), zap.Error(err))
	}
	drain(s.frames)

	m.mu.Lock()
	m.ended = true
	if keepHandle && handle != "" {
		m.lastHandle = handle
	} else {
		m.lastHandle = ""
	}
	m.mu.Unlock()

	s.mu.Lock()
	storeID := s.storeID
	s.mu.Unlock()
	if storeID != "" && m.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := m.deps.Store.EndSession(ctx, storeID); err != nil {
			m.logger.Warn("end conversation record failed", zap.Error(err))
		}
		cancel()
	}
	m.audit("session_terminated", storeID, store.Metadata{"session_id": s.id, "reason": reason})

	_, _ = m.tracker.End(StateTerminated.String())
	m.deps.Metrics.SetActiveSessions(0)
	m.deps.Metrics.SessionEvent("session_terminated")
	m.emit(s, Event{Type: EventDisconnected, Reason: reason})
	m.logger.Info("session terminated", zap.String("session_id", s.id), zap.String("reason", reason))
}

func drain(ch chan []float32) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (m *Manager) audit(action, storeID string, meta store.Metadata) {
	if m.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.deps.Store.LogAudit(ctx, action, storeID, meta); err != nil {
		m.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func (m *Manager) emit(s *liveSession, e Event) {
	e.SessionID = s.id
	e.At = time.Now().UTC()
	m.observer.OnEvent(e)
}

func (m *Manager) startCapture(s *liveSession) {
	if m.deps.Capture == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.capturing {
		return
	}
	err := m.deps.Capture.StartCapture(func(samples []float32) {
		select {
		case s.frames <- samples:
		default:
			m.deps.Metrics.DroppedFrame("capture_overflow")
		}
	})
	if err != nil {
		m.logger.Error("start capture failed", zap.Error(err))
		return
	}
	s.capturing = true
}

// captureLoop runs captured buffers through the detector and framer and hands
// them to the supervisor in capture order. After an utterance ends it sends
// one end-of-stream marker and holds back silence until speech resumes.
func (m *Manager) captureLoop(ctx context.Context, s *liveSession) error {
	det := vad.New(m.cfg.VAD)
	framer := audio.NewFramer(m.cfg.InputSampleRate)
	srcRate := m.cfg.InputSampleRate
	if m.deps.Capture != nil && m.deps.Capture.SampleRate() > 0 {
		srcRate = m.deps.Capture.SampleRate()
	}
	held := false
	for {
		var samples []float32
		select {
		case <-ctx.Done():
			return nil
		case samples = <-s.frames:
		}

		res := det.Classify(samples, srcRate)
		if res.IsSpeech {
			held = false
			_ = m.tracker.Touch()
		}
		if res.EndOfUtterance && !held {
			held = true
			if err := s.sup.SendEndOfStream(); err == nil {
				s.mu.Lock()
				s.endOfStream = time.Now()
				s.mu.Unlock()
			}
			continue
		}
		if held {
			continue
		}

		pcm := framer.Encode(samples, srcRate)
		if len(pcm) == 0 {
			continue
		}
		if err := s.sup.Send(AudioFrame{PCM: pcm, SampleRate: framer.TargetRate}); err != nil &&
			!errors.Is(err, ErrNotActive) && !errors.Is(err, ErrOutboundFull) {
			m.logger.Debug("send audio failed", zap.Error(err))
		}
	}
}

// sessionHooks routes supervisor notifications into the session.
type sessionHooks struct {
	m *Manager
	s *liveSession
}

func (h *sessionHooks) StateChanged(_, to State) {
	_ = h.m.tracker.SetState(to.String())
}

func (h *sessionHooks) HandshakeComplete(resumed bool) {
	m, s := h.m, h.s
	_ = m.tracker.Touch()

	s.mu.Lock()
	needRecord := s.storeID == "" && !s.closed
	s.mu.Unlock()
	if needRecord && m.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		m.mu.Lock()
		params := m.lastParams
		m.mu.Unlock()
		id, err := m.deps.Store.CreateSession(ctx, storeSessionKind, store.Metadata{
			"session_id": s.id,
			"model":      params.Model,
			"voice":      params.Voice,
			"resumed":    resumed,
		})
		cancel()
		if err != nil {
			m.logger.Warn("create conversation record failed", zap.Error(err))
		} else {
			s.mu.Lock()
			s.storeID = id
			s.mu.Unlock()
			_ = m.tracker.SetConversationID(id)
		}
	}

	m.startCapture(s)
	m.deps.Metrics.SessionEvent("connected")
	m.emit(s, Event{Type: EventConnected})
}

func (h *sessionHooks) Message(msg protocol.Message) {
	m, s := h.m, h.s
	switch msg.Kind {
	case protocol.KindAudio:
		s.pb.Append(msg.Audio)
		s.mu.Lock()
		eos := s.endOfStream
		s.endOfStream = time.Time{}
		s.mu.Unlock()
		if !eos.IsZero() {
			m.deps.Metrics.ObserveFirstAudioLatency(time.Since(eos))
		}
		m.emit(s, Event{Type: EventAudioResponse, Audio: msg.Audio, Bytes: len(msg.Audio)})

	case protocol.KindText:
		_ = m.tracker.Touch()
		m.emit(s, Event{Type: EventTranscript, Text: msg.Text, Speaker: string(msg.Speaker)})
		s.mu.Lock()
		storeID := s.storeID
		s.mu.Unlock()
		if storeID == "" || m.deps.Store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		redacted := m.deps.Redactor.Redact(msg.Text)
		if err := m.deps.Store.AppendTranscript(ctx, storeID, string(msg.Speaker), redacted, store.Metadata{"session_id": s.id}); err != nil {
			m.logger.Warn("append transcript failed", zap.Error(err))
		}

	case protocol.KindTurnComplete:
		s.pb.Flush()
		m.emit(s, Event{Type: EventTurnComplete})

	case protocol.KindInterrupted:
		s.pb.Clear()
		m.emit(s, Event{Type: EventInterrupted})

	case protocol.KindResumption:
		if msg.Handle != "" {
			_ = m.tracker.SetResumptionHandle(msg.Handle, msg.Resumable)
		}
	}
}

func (h *sessionHooks) Dropped(reason string, err error) {
	_ = h.m.tracker.AddReconnect()
	h.m.logger.Info("connection dropped", zap.String("session_id", h.s.id), zap.String("reason", reason), zap.Error(err))
	h.m.emit(h.s, Event{Type: EventDisconnected, Reason: reason})
}

func (h *sessionHooks) Retrying(attempt int, delay time.Duration, err error) {
	h.m.logger.Debug("retry scheduled",
		zap.String("session_id", h.s.id),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}
