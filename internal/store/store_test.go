package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	id, err := st.CreateSession(ctx, "live_audio", Metadata{"model": "models/test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, st.AppendTranscript(ctx, id, "user", "hello", nil))
	require.NoError(t, st.AppendTranscript(ctx, id, "model", "hi there", Metadata{"turn": 1}))
	require.NoError(t, st.AppendTranscript(ctx, id, "user", "bye", nil))

	lines, err := st.Transcript(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "hi there", lines[0].Text)
	assert.Equal(t, "bye", lines[1].Text)

	require.NoError(t, st.LogAudit(ctx, "session_connected", id, nil))
	require.NoError(t, st.EndSession(ctx, id))
	require.NoError(t, st.EndSession(ctx, id))
	assert.ErrorIs(t, st.EndSession(ctx, "missing"), ErrUnknownSession)
}

func TestInMemoryStore(t *testing.T) {
	st := NewInMemoryStore()
	exerciseStore(t, st)

	assert.Len(t, st.Audit(), 1)
	assert.Equal(t, "session_connected", st.Audit()[0].Action)
}

func TestInMemoryStoreRejectsUnknownSession(t *testing.T) {
	st := NewInMemoryStore()
	err := st.AppendTranscript(context.Background(), "nope", "user", "x", nil)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestInMemoryStoreEndIsStable(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	id, err := st.CreateSession(ctx, "live_audio", nil)
	require.NoError(t, err)
	require.NoError(t, st.EndSession(ctx, id))
	first, _ := st.Session(id)
	require.NotNil(t, first.EndedAt)
	require.NoError(t, st.EndSession(ctx, id))
	second, _ := st.Session(id)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	st, err := NewStore(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, st)
	assert.NoError(t, st.Close())
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("LIVEWIRE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LIVEWIRE_TEST_DATABASE_URL not set")
	}
	st, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}
