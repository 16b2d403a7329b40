// Package history persists agent sessions on the local filesystem. Each
// session owns a directory under the configured data root containing its
// immutable metadata, its last known state snapshot, and an append-only
// event log. There is no database; every write is a plain file operation
// and failures are logged by the caller rather than propagated to users.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	metaFile     = "meta.json"
	stateFile    = "state.json"
	messagesFile = "messages.jsonl"
)

// Meta is the immutable description of a session, written once at creation.
type Meta struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Task      string    `json:"task"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the mutable snapshot of a session, overwritten on every change.
type State struct {
	Status       string     `json:"status"`
	Phase        string     `json:"phase"`
	Summary      string     `json:"summary,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	ExitCode     *int       `json:"exit_code,omitempty"`
}

// Event is one entry in a session's append-only log.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
}

// Event types written to the message log.
const (
	EventCreated = "created"
	EventStatus  = "status"
	EventSystem  = "system"
	EventUser    = "user"
	EventOutput  = "output"
)

// Store reads and writes session records under a single data directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history root: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// EnsureSession creates the session directory and writes its metadata.
func (s *Store) EnsureSession(meta Meta) error {
	dir := s.sessionDir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, metaFile), meta)
}

// SaveState overwrites the session's state snapshot. The session directory
// is created if needed; state writes can race the initial metadata write.
func (s *Store) SaveState(sessionID string, state State) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, stateFile), state)
}

// LoadState reads the session's last persisted state snapshot.
func (s *Store) LoadState(sessionID string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), stateFile))
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

// LoadMeta reads the session's metadata.
func (s *Store) LoadMeta(sessionID string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), metaFile))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta: %w", err)
	}
	return &meta, nil
}

// AppendEvent appends one entry to the session's message log.
func (s *Store) AppendEvent(sessionID string, eventType, content string) error {
	entry := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Content:   content,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ReadEvents returns every entry in the session's message log. Missing
// logs yield an empty slice; malformed lines are skipped.
func (s *Store) ReadEvents(sessionID string) ([]Event, error) {
	path := filepath.Join(s.sessionDir(sessionID), messagesFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Event
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		events = append(events, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message log: %w", err)
	}
	return events, nil
}

// ListSessions returns the IDs of every persisted session.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read history root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// Remove deletes a session's directory and everything in it.
func (s *Store) Remove(sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
