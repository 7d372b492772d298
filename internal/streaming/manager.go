package streaming

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Manager owns a set of named, independent Sessions (spec §4.6). At most one
// Session per session_id exists at any time; a crash or error in one Session
// never affects another.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// newConfig builds a fresh Config for a new session, filling in
	// everything except SessionID/Tickers/MaxRetries (supplied by the
	// caller of StartStream). Set by the owner at construction time.
	newConfig func(sessionID string, tickers []string, maxRetries int) Config
}

// NewManager constructs a Manager. newConfig is invoked once per
// StartStream call to produce the Session's full Config (credential source,
// REST client, sink, WebSocket URL, dialer).
func NewManager(newConfig func(sessionID string, tickers []string, maxRetries int) Config) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		newConfig: newConfig,
	}
}

// StartStream creates and starts a Session for tickers. If sessionID is
// empty, one is generated. Returns an error if sessionID collides with an
// existing non-terminal session.
func (m *Manager) StartStream(sessionID string, tickers []string, maxRetries int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if existing, ok := m.sessions[sessionID]; ok {
		st := existing.Stats().State
		if st != StateStopped && st != StateErrored {
			return "", fmt.Errorf("streaming: session %q already running", sessionID)
		}
	}

	cfg := m.newConfig(sessionID, tickers, maxRetries)
	cfg.SessionID = sessionID
	cfg.Tickers = tickers
	cfg.MaxRetries = maxRetries

	sess := New(cfg)
	m.sessions[sessionID] = sess
	sess.Start()

	return sessionID, nil
}

// StopStream stops the named session and leaves its stats available for
// inspection until reaped or process exit.
func (m *Manager) StopStream(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("streaming: unknown session %q", sessionID)
	}

	sess.Stop()
	return nil
}

// GetStats returns the read-only snapshot for sessionID.
func (m *Manager) GetStats(sessionID string) (Stats, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if !ok {
		return Stats{}, fmt.Errorf("streaming: unknown session %q", sessionID)
	}
	return sess.Stats(), nil
}

// List returns stats for every session the Manager currently knows about,
// including stopped/errored ones not yet reaped.
func (m *Manager) List() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Stats())
	}
	return out
}

// StopAll concurrently stops every session the Manager knows about.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, sess := range sessions {
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(sess)
	}
	wg.Wait()
}

// Reap removes terminal (stopped/errored) sessions from the Manager so List
// no longer reports them.
func (m *Manager) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		st := sess.Stats().State
		if st == StateStopped || st == StateErrored {
			delete(m.sessions, id)
		}
	}
}
