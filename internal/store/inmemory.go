package store

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process for local runs and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionRecord
	transcripts map[string][]TranscriptLine
	audit       []AuditEntry
	now         func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]*SessionRecord),
		transcripts: make(map[string][]TranscriptLine),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, kind string, metadata Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sessions[id] = &SessionRecord{ID: id, Kind: kind, Metadata: maps.Clone(metadata), StartedAt: s.now()}
	return id, nil
}

func (s *InMemoryStore) AppendTranscript(_ context.Context, sessionID, speaker, text string, metadata Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrUnknownSession
	}
	s.transcripts[sessionID] = append(s.transcripts[sessionID], TranscriptLine{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Speaker:   speaker,
		Text:      text,
		Metadata:  maps.Clone(metadata),
		CreatedAt: s.now(),
	})
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if rec.EndedAt == nil {
		ended := s.now()
		rec.EndedAt = &ended
	}
	return nil
}

func (s *InMemoryStore) LogAudit(_ context.Context, action, sessionID string, metadata Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		SessionID: sessionID,
		Metadata:  maps.Clone(metadata),
		CreatedAt: s.now(),
	})
	return nil
}

// Transcript returns the last limit lines in chronological order. limit <= 0
// returns all of them.
func (s *InMemoryStore) Transcript(_ context.Context, sessionID string, limit int) ([]TranscriptLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.transcripts[sessionID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TranscriptLine, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

// Session returns a copy of the session record.
func (s *InMemoryStore) Session(id string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Audit returns a copy of the audit trail.
func (s *InMemoryStore) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *InMemoryStore) Close() error { return nil }
