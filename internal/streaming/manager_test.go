package streaming

import (
	"testing"
	"time"

	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
)

func newTestManager(t *testing.T, sink *csvsink.Sink) *Manager {
	t.Helper()
	return NewManager(func(sessionID string, tickers []string, maxRetries int) Config {
		return Config{
			Cred:        stubCred{},
			RestClient:  stubKeyFetcher{err: errTradingKey{}},
			Sink:        sink,
			WSURL:       "ws://unused.invalid",
			BackoffBase: time.Millisecond,
			BackoffCap:  10 * time.Millisecond,
		}
	})
}

func TestStartStreamGeneratesSessionID(t *testing.T) {
	dir := t.TempDir()
	sink := csvsink.New(dir)
	defer sink.Close()

	m := newTestManager(t, sink)

	id, err := m.StartStream("", []string{"BBCA"}, 1)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated session id")
	}

	waitForState(t, m, id, StateErrored)
}

func TestStartStreamRefusesDuplicateRunningID(t *testing.T) {
	dir := t.TempDir()
	sink := csvsink.New(dir)
	defer sink.Close()

	m := newTestManager(t, sink)

	if _, err := m.StartStream("s1", []string{"BBCA"}, 0); err != nil {
		t.Fatalf("first StartStream: %v", err)
	}

	_, err := m.StartStream("s1", []string{"TLKM"}, 0)
	if err == nil {
		t.Fatal("expected error starting a duplicate non-terminal session id")
	}

	m.StopAll()
}

func TestStopStreamUnknownSession(t *testing.T) {
	dir := t.TempDir()
	sink := csvsink.New(dir)
	defer sink.Close()

	m := newTestManager(t, sink)
	if err := m.StopStream("nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestListAndStopAll(t *testing.T) {
	dir := t.TempDir()
	sink := csvsink.New(dir)
	defer sink.Close()

	m := newTestManager(t, sink)

	if _, err := m.StartStream("a", []string{"BBCA"}, 0); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := m.StartStream("b", []string{"TLKM"}, 0); err != nil {
		t.Fatalf("start b: %v", err)
	}

	if got := len(m.List()); got != 2 {
		t.Fatalf("List() len = %d, want 2", got)
	}

	start := time.Now()
	m.StopAll()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("StopAll took too long: %v", elapsed)
	}

	for _, stats := range m.List() {
		if stats.State != StateStopped && stats.State != StateErrored {
			t.Fatalf("session %s state = %v after StopAll", stats.SessionID, stats.State)
		}
	}
}

func TestReapRemovesTerminalSessions(t *testing.T) {
	dir := t.TempDir()
	sink := csvsink.New(dir)
	defer sink.Close()

	m := newTestManager(t, sink)

	id, err := m.StartStream("", []string{"BBCA"}, 1)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitForState(t, m, id, StateErrored)

	m.Reap()

	if _, err := m.GetStats(id); err == nil {
		t.Fatal("expected reaped session to be gone")
	}
}

func waitForState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := m.GetStats(id)
		if err != nil {
			t.Fatalf("GetStats: %v", err)
		}
		if stats.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach state %v in time", id, want)
}
