// Package streaming implements the Streaming Session (spec §4.5): one
// long-lived WebSocket connection per subscription set, with automatic
// reconnection, pre-connect credential refresh, and keepalive ping/pong.
// The connection handling follows the teacher's internal/ws client, extended
// into the explicit state machine the spec requires.
package streaming

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/cloudmanic/stockbit-ingest/internal/codec"
	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
	"github.com/cloudmanic/stockbit-ingest/internal/errs"
)

// State is a Session's position in the state machine described by spec §4.5.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRetrying     State = "retrying"
	StateStopped      State = "stopped"
	StateErrored      State = "errored"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second

	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute
)

// Conn is the subset of *websocket.Conn the Session needs. Satisfied
// directly by gorilla's connection type; a narrow interface so tests can
// substitute a fake without standing up a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens a Conn to url, attaching header on the handshake request.
type Dialer func(url string, header http.Header) (Conn, error)

// DefaultDialer dials with gorilla's websocket.DefaultDialer.
func DefaultDialer(url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CredentialSource is the read side of the Credential Store a Session needs.
type CredentialSource interface {
	GetToken() string
	GetCookies() string
}

// TradingKeyFetcher is the REST Client capability a Session needs before
// opening its WebSocket.
type TradingKeyFetcher interface {
	FetchTradingKey() (string, error)
}

// Config describes a single Session to create.
type Config struct {
	SessionID  string
	UserID     int64
	Tickers    []string
	WSURL      string
	MaxRetries int // 0 = unbounded

	Cred         CredentialSource
	RefreshHook  func() error // invoked on every entry to connecting, best-effort
	RestClient   TradingKeyFetcher
	Sink         *csvsink.Sink
	Dial         Dialer
	Now          func() time.Time

	// BackoffBase/BackoffCap override the spec §4.5 normative backoff
	// timing (5s base, 5m cap) when nonzero. Intended for tests.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Stats is a read-only snapshot of a Session's state, per spec §4.6.
type Stats struct {
	SessionID        string
	Tickers          []string
	State            State
	RetryCount       int
	TotalReconnects  int
	LastError        string
	StartedAt        time.Time
	LastDisconnectAt time.Time
	MessageCounts    map[string]int64
}

// Session is one WebSocket connection carrying a fixed subscription set.
// The zero value is not usable; construct with New.
type Session struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	retryCount       int
	totalReconnects  int
	lastError        string
	startedAt        time.Time
	lastDisconnectAt time.Time
	counters         map[string]int64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	// backoff computes the n-th retry delay per spec §4.5's normative
	// formula (min(base*2^(n-1), max_delay)). RandomizationFactor is 0 so
	// the sequence stays deterministic and strictly non-decreasing, as the
	// backoff-monotonicity invariant requires.
	backoff *backoff.ExponentialBackOff
}

// New constructs a Session in state disconnected. Call Start to begin
// connecting.
func New(cfg Config) *Session {
	if cfg.Dial == nil {
		cfg.Dial = DefaultDialer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base, capDelay := backoffBase, backoffCap
	if cfg.BackoffBase > 0 {
		base = cfg.BackoffBase
	}
	if cfg.BackoffCap > 0 {
		capDelay = cfg.BackoffCap
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.MaxInterval = capDelay
	bo.MaxElapsedTime = 0 // retry-count cap is enforced by the Session, not elapsed time
	bo.RandomizationFactor = 0
	bo.Reset()

	return &Session{
		cfg:      cfg,
		now:      cfg.Now,
		state:    StateDisconnected,
		counters: make(map[string]int64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		backoff:  bo,
	}
}

// Start launches the Session's connect/read/retry loop in a background
// goroutine. Start must be called at most once per Session.
func (s *Session) Start() {
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()

	go s.run()
}

// Stop is idempotent; it cancels any outstanding connection or backoff sleep
// and drives the Session to stopped promptly, per spec §4.5.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Stats returns a read-only snapshot of the Session's current state.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		counts[k] = v
	}

	return Stats{
		SessionID:        s.cfg.SessionID,
		Tickers:          append([]string{}, s.cfg.Tickers...),
		State:            s.state,
		RetryCount:       s.retryCount,
		TotalReconnects:  s.totalReconnects,
		LastError:        s.lastError,
		StartedAt:        s.startedAt,
		LastDisconnectAt: s.lastDisconnectAt,
		MessageCounts:    counts,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// run is the Session's state machine driver. It exits only on stop or after
// retries are exhausted (errored).
func (s *Session) run() {
	defer close(s.doneCh)

	firstAttempt := true
	for {
		if s.stopRequested() {
			s.setState(StateStopped)
			return
		}

		s.setState(StateConnecting)

		if s.cfg.RefreshHook != nil {
			_ = s.cfg.RefreshHook()
		}

		key, err := s.cfg.RestClient.FetchTradingKey()
		if err != nil {
			s.recordError(err)
			if !s.enterRetrying(firstAttempt) {
				return
			}
			firstAttempt = false
			continue
		}

		conn, err := s.cfg.Dial(s.cfg.WSURL, http.Header{
			"Authorization": []string{"Bearer " + s.cfg.Cred.GetToken()},
			"Cookie":        []string{s.cfg.Cred.GetCookies()},
		})
		if err != nil {
			s.recordError(err)
			if !s.enterRetrying(firstAttempt) {
				return
			}
			firstAttempt = false
			continue
		}

		frame := codec.EncodeSubscription(codec.SubscriptionRequest{
			UserID:      s.cfg.UserID,
			Tickers:     s.cfg.Tickers,
			TradingKey:  key,
			BearerToken: s.cfg.Cred.GetToken(),
		})
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			conn.Close()
			s.recordError(err)
			if !s.enterRetrying(firstAttempt) {
				return
			}
			firstAttempt = false
			continue
		}

		s.backoff.Reset()

		s.mu.Lock()
		s.state = StateConnected
		s.retryCount = 0
		if !firstAttempt {
			s.totalReconnects++
		}
		s.mu.Unlock()
		firstAttempt = false

		s.serve(conn)

		s.mu.Lock()
		s.lastDisconnectAt = s.now()
		s.mu.Unlock()

		if s.stopRequested() {
			conn.Close()
			s.setState(StateStopped)
			return
		}

		if !s.enterRetrying(false) {
			conn.Close()
			return
		}
	}
}

// enterRetrying transitions to retrying, sleeps the backoff interval
// (cancellable by stop), and reports whether the caller should continue
// (false means retries are exhausted and the Session is now errored, or a
// stop arrived and the Session is now stopped).
func (s *Session) enterRetrying(firstAttempt bool) bool {
	if s.stopRequested() {
		s.setState(StateStopped)
		return false
	}

	s.setState(StateRetrying)

	s.mu.Lock()
	s.retryCount++
	n := s.retryCount
	maxRetries := s.cfg.MaxRetries
	s.mu.Unlock()

	if maxRetries > 0 && n > maxRetries {
		s.setState(StateErrored)
		return false
	}

	delay := s.backoff.NextBackOff()
	select {
	case <-time.After(delay):
		return true
	case <-s.stopCh:
		s.setState(StateStopped)
		return false
	}
}

// serve reads frames from conn until a read error, close, or stop signal.
// It also runs the companion keepalive ping loop, per spec §5: only serve
// decodes frames, only the heartbeat goroutine writes pings.
func (s *Session) serve(conn Conn) {
	defer conn.Close()

	heartbeatDone := make(chan struct{})
	readErrCh := make(chan struct{}, 1)

	go s.heartbeat(conn, readErrCh, heartbeatDone)
	defer func() {
		close(heartbeatDone)
	}()

	// Unblock a pending ReadMessage immediately on stop, per spec §4.5:
	// "cancels the outstanding connection ... immediately."
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-s.stopCh:
			conn.Close()
		case <-watcherDone:
		}
	}()
	defer close(watcherDone)

	_ = conn.SetReadDeadline(s.now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.now().Add(pingInterval + pongTimeout))
	})

	for {
		select {
		case <-s.stopCh:
			return
		case <-readErrCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := codec.DecodeOrderbookFrame(data)
		if err != nil {
			// Malformed frames are dropped; they do not end the session.
			continue
		}

		s.handleFrame(frame)
	}
}

// heartbeat writes an application-level ping every pingInterval. If writing
// fails (e.g. the connection was closed by serve's read loop exiting), it
// signals readErrCh so serve doesn't block waiting on a dead connection.
func (s *Session) heartbeat(conn Conn, readErrCh chan<- struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				select {
				case readErrCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (s *Session) handleFrame(frame codec.OrderbookFrame) {
	payload, err := codec.ParseOrderbookPayload(frame.Payload)
	if err != nil {
		return
	}

	ts := s.now().UTC().Format(time.RFC3339Nano)
	date := csvsink.RotationDate(s.now())

	for _, level := range payload.Levels {
		row := csvsink.Row{
			"timestamp":   ts,
			"price":       level.PriceRaw,
			"lots":        fmt.Sprintf("%d", level.Lots),
			"total_value": level.TotalValueRaw,
			"side":        string(payload.Side),
		}
		if err := s.cfg.Sink.Append(csvsink.DatasetOrderbook, payload.Ticker, date, row); err != nil {
			s.recordError(errs.NewRetryable(err))
			continue
		}
	}

	s.mu.Lock()
	s.counters[payload.Ticker]++
	s.mu.Unlock()
}
