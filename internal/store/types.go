// Package store records live conversations: one session row per connection,
// transcript lines as they arrive, and an audit trail of lifecycle actions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownSession is returned when a write targets a session that was never
// created.
var ErrUnknownSession = errors.New("store: unknown session")

// Metadata is free-form JSON attached to records.
type Metadata map[string]any

type SessionRecord struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Metadata  Metadata   `json:"metadata,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TranscriptLine is one already-redacted utterance.
type TranscriptLine struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	SessionID string    `json:"session_id,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists conversation history. Callers redact text before
// AppendTranscript; implementations store it as given.
type Store interface {
	CreateSession(ctx context.Context, kind string, metadata Metadata) (string, error)
	AppendTranscript(ctx context.Context, sessionID, speaker, text string, metadata Metadata) error
	EndSession(ctx context.Context, sessionID string) error
	LogAudit(ctx context.Context, action, sessionID string, metadata Metadata) error
	Transcript(ctx context.Context, sessionID string, limit int) ([]TranscriptLine, error)
	Close() error
}
