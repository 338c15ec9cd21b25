package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrActive   = errors.New("session already active")
)

// Session is the bookkeeping record for one live audio session. State holds
// the supervisor state name so this package stays free of transport types.
type Session struct {
	ID               string     `json:"session_id"`
	State            string     `json:"state"`
	Model            string     `json:"model,omitempty"`
	Voice            string     `json:"voice,omitempty"`
	ResumptionHandle string     `json:"-"`
	Resumable        bool       `json:"resumable"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	Reconnects       int        `json:"reconnects"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// Live reports whether the session has not been ended.
func (s *Session) Live() bool { return s != nil && s.EndedAt == nil }

// Tracker holds at most one live session plus the most recently ended one,
// which keeps its resumption handle available after a drop.
type Tracker struct {
	mu                sync.RWMutex
	current           *Session
	idleNotified      bool
	inactivityTimeout time.Duration
	now               func() time.Time
}

func NewTracker(inactivityTimeout time.Duration) *Tracker {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Tracker{
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Begin starts a new session record. It fails with ErrActive while another
// session is live.
func (t *Tracker) Begin(state, model, voice string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.Live() {
		return nil, ErrActive
	}
	now := t.now()
	t.current = &Session{
		ID:             uuid.NewString(),
		State:          state,
		Model:          model,
		Voice:          voice,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	t.idleNotified = false
	return clone(t.current), nil
}

// Current returns a copy of the latest session, live or ended.
func (t *Tracker) Current() (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil, ErrNotFound
	}
	return clone(t.current), nil
}

func (t *Tracker) update(fn func(s *Session)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNotFound
	}
	fn(t.current)
	return nil
}

func (t *Tracker) SetState(state string) error {
	return t.update(func(s *Session) { s.State = state })
}

func (t *Tracker) SetResumptionHandle(handle string, resumable bool) error {
	return t.update(func(s *Session) {
		s.ResumptionHandle = handle
		s.Resumable = resumable
	})
}

func (t *Tracker) SetConversationID(id string) error {
	return t.update(func(s *Session) { s.ConversationID = id })
}

func (t *Tracker) AddReconnect() error {
	return t.update(func(s *Session) { s.Reconnects++ })
}

func (t *Tracker) Touch() error {
	now := t.now()
	return t.update(func(s *Session) {
		s.LastActivityAt = now
	})
}

// End marks the session ended. Ending twice keeps the first timestamp.
func (t *Tracker) End(state string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil, ErrNotFound
	}
	if t.current.EndedAt == nil {
		now := t.now()
		t.current.EndedAt = &now
		t.current.LastActivityAt = now
	}
	t.current.State = state
	return clone(t.current), nil
}

// StartJanitor runs RunJanitor on its own goroutine.
func (t *Tracker) StartJanitor(ctx context.Context, interval time.Duration, onIdle func(*Session)) {
	go func() { _ = t.RunJanitor(ctx, interval, onIdle) }()
}

// RunJanitor calls onIdle once when the live session has seen no activity for
// the inactivity timeout. It blocks until ctx is done.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration, onIdle func(*Session)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s := t.checkIdle(); s != nil && onIdle != nil {
				onIdle(s)
			}
		}
	}
}

func (t *Tracker) checkIdle() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current.Live() || t.idleNotified {
		return nil
	}
	if t.now().Sub(t.current.LastActivityAt) < t.inactivityTimeout {
		return nil
	}
	t.idleNotified = true
	return clone(t.current)
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
