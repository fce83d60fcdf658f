package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxRecentRuns bounds the per-session run history.
const maxRecentRuns = 10

// Run records one injection against a session.
type Run struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"triggerId"` // message that caused the run
	Outcome   string    `json:"outcome"`   // "ok", "cancelled", "failed"
	Error     string    `json:"error,omitempty"`
	Messages  []string  `json:"messages,omitempty"` // delivered message ids
	Started   time.Time `json:"started"`
	Duration  string    `json:"duration"`
}

// Session tracks relay activity for one agent session key.
type Session struct {
	Key     string    `json:"key"` // agent:{agentId}:{channel}:{kind}:{chatId}
	Channel string    `json:"channel,omitempty"`
	Runs    []Run     `json:"runs"`
	Total   int       `json:"total"`
	Failed  int       `json:"failed,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Manager handles session lookup and optional on-disk persistence.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

// NewManager creates a manager. An empty storage dir keeps everything in memory.
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

func (m *Manager) getOrCreateLocked(key, channel string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	now := time.Now()
	s := &Session{Key: key, Channel: channel, Runs: []Run{}, Created: now, Updated: now}
	m.sessions[key] = s
	return s
}

// RecordRun appends run to the session's history, keeping the newest few.
func (m *Manager) RecordRun(key, channel string, run Run) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(key, channel)
	s.Runs = append(s.Runs, run)
	if over := len(s.Runs) - maxRecentRuns; over > 0 {
		s.Runs = append(s.Runs[:0:0], s.Runs[over:]...)
	}
	s.Total++
	if run.Outcome == "failed" {
		s.Failed++
	}
	s.Updated = time.Now()
}

// LastRun returns the most recent run for key.
func (m *Manager) LastRun(key string) (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok || len(s.Runs) == 0 {
		return Run{}, false
	}
	return s.Runs[len(s.Runs)-1], true
}

// Delete removes a session entirely.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		path := filepath.Join(m.storage, sanitizeFilename(key)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SessionInfo is a lightweight session descriptor for listing.
type SessionInfo struct {
	Key         string    `json:"key"`
	ChatID      string    `json:"chatId,omitempty"`
	Total       int       `json:"total"`
	Failed      int       `json:"failed"`
	LastOutcome string    `json:"lastOutcome,omitempty"`
	Updated     time.Time `json:"updated"`
}

// List returns metadata for all sessions, optionally filtered by agent ID,
// newest first.
func (m *Manager) List(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []SessionInfo{}
	for key, s := range m.sessions {
		if agentID != "" {
			if owner, _ := ParseSessionKey(key); owner != agentID {
				continue
			}
		}
		info := SessionInfo{Key: key, ChatID: ChatIDFromSessionKey(key), Total: s.Total, Failed: s.Failed, Updated: s.Updated}
		if n := len(s.Runs); n > 0 {
			info.LastOutcome = s.Runs[n-1].Outcome
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Updated.After(result[j].Updated) })
	return result
}

// Save persists a session to disk atomically.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *s
	snapshot.Runs = append([]Run{}, s.Runs...)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(m.storage, filename+".json")

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
