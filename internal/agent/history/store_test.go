package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestEnsureSessionAndMeta(t *testing.T) {
	store := newTestStore(t)

	meta := Meta{
		ID:        "agent-1",
		AgentID:   "claude",
		Task:      "fix the login bug",
		WorkDir:   "/work",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.EnsureSession(meta))

	loaded, err := store.LoadMeta("agent-1")
	require.NoError(t, err)
	assert.Equal(t, meta, *loaded)
}

func TestSaveStateOverwrites(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.EnsureSession(Meta{ID: "agent-1"}))

	require.NoError(t, store.SaveState("agent-1", State{Status: "running", Phase: "editing", UpdatedAt: time.Now().UTC()}))

	code := 0
	now := time.Now().UTC()
	require.NoError(t, store.SaveState("agent-1", State{
		Status:    "completed",
		Phase:     "idle",
		UpdatedAt: now,
		EndedAt:   &now,
		ExitCode:  &code,
	}))

	state, err := store.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", state.Status)
	require.NotNil(t, state.ExitCode)
	assert.Equal(t, 0, *state.ExitCode)
	assert.NotNil(t, state.EndedAt)
}

func TestAppendAndReadEvents(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.EnsureSession(Meta{ID: "agent-1"}))

	require.NoError(t, store.AppendEvent("agent-1", EventCreated, "fix the bug"))
	require.NoError(t, store.AppendEvent("agent-1", EventStatus, "running"))
	require.NoError(t, store.AppendEvent("agent-1", EventUser, "please continue"))

	events, err := store.ReadEvents("agent-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, "running", events[1].Content)
	assert.Equal(t, EventUser, events[2].Type)
}

func TestWritesBeforeEnsureSession(t *testing.T) {
	store := newTestStore(t)

	// State and event writes create the session directory themselves, so
	// they tolerate racing ahead of the initial metadata write.
	require.NoError(t, store.SaveState("agent-1", State{Status: "running", Phase: "analyzing", UpdatedAt: time.Now().UTC()}))
	require.NoError(t, store.AppendEvent("agent-1", EventStatus, "running"))

	state, err := store.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "running", state.Status)

	events, err := store.ReadEvents("agent-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.EnsureSession(Meta{ID: "agent-1"}))
	require.NoError(t, store.AppendEvent("agent-1", EventOutput, "hello"))

	// Corrupt the log with a truncated line.
	path := filepath.Join(store.root, "agent-1", messagesFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.AppendEvent("agent-1", EventOutput, "world"))

	events, err := store.ReadEvents("agent-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, "world", events[1].Content)
}

func TestReadEventsMissingLog(t *testing.T) {
	store := newTestStore(t)
	events, err := store.ReadEvents("never-created")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListAndRemove(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.EnsureSession(Meta{ID: "agent-1"}))
	require.NoError(t, store.EnsureSession(Meta{ID: "agent-2"}))

	ids, err := store.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, ids)

	require.NoError(t, store.Remove("agent-1"))

	ids, err = store.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, ids)

	// Removing twice is fine.
	require.NoError(t, store.Remove("agent-1"))
}
