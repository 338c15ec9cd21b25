package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS live_sessions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ
	);`,
	`CREATE TABLE IF NOT EXISTS live_transcripts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES live_sessions (id) ON DELETE CASCADE,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_live_transcripts_session_created ON live_transcripts (session_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS live_audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		session_id TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func orEmpty(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	return m
}

func (s *PostgresStore) CreateSession(ctx context.Context, kind string, metadata Metadata) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_sessions (id, kind, metadata) VALUES ($1, $2, $3)`,
		id, kind, orEmpty(metadata),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendTranscript(ctx context.Context, sessionID, speaker, text string, metadata Metadata) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_transcripts (id, session_id, speaker, text, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), sessionID, speaker, text, orEmpty(metadata),
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE live_sessions SET ended_at = COALESCE(ended_at, now()) WHERE id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownSession
	}
	return nil
}

func (s *PostgresStore) LogAudit(ctx context.Context, action, sessionID string, metadata Metadata) error {
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_audit_log (id, action, session_id, metadata) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), action, sid, orEmpty(metadata),
	)
	if err != nil {
		return fmt.Errorf("log audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transcript(ctx context.Context, sessionID string, limit int) ([]TranscriptLine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, speaker, text, metadata, created_at
		 FROM live_transcripts WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TranscriptLine])
	if err != nil {
		return nil, fmt.Errorf("scan transcript rows: %w", err)
	}
	slices.Reverse(lines)
	return lines, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
