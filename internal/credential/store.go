// Package credential implements the Credential Store (spec §4.1): the
// process-lifetime holder of the broker's bearer token and session cookies,
// with lazy load/save to a single on-disk JSON file and best-effort JWT
// claim extraction for expiry and user id.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// safetyMargin is subtracted from the known expiry before IsValid reports
// true, so callers have time to refresh before the broker actually rejects
// the token.
const safetyMargin = 30 * time.Second

// Credential is the persisted shape of the current bearer credential.
type Credential struct {
	AccessToken     string     `json:"access_token"`
	Cookies         string     `json:"cookies,omitempty"`
	ExtractedUserID *int64     `json:"user_id,omitempty"`
	AcquiredAt      time.Time  `json:"acquired_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Expired         bool       `json:"expired,omitempty"`
}

// empty reports whether c holds no usable token.
func (c *Credential) empty() bool {
	return c == nil || c.AccessToken == ""
}

// Store holds the current Credential in memory, persisting every mutation
// to a JSON file. A Store is safe for concurrent use: the mutation methods
// (Load, Set, MarkExpired, Clear) take an exclusive lock; read methods take
// a shared lock.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Credential
}

// New creates a Store backed by path. It does not read the file — call Load
// to populate the store from disk; Get*/IsValid never read the file
// themselves.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the credential file from disk if present. Missing files are
// not an error — the store simply starts empty. Safe to call multiple
// times; the most recent on-disk state always wins.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return fmt.Errorf("parse credential file: %w", err)
	}

	s.cur = cred
	return nil
}

// persist writes the current credential to disk atomically: write to a
// tempfile in the same directory, then rename over the target. Callers must
// hold s.mu for writing.
func (s *Store) persist() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	data, err := json.MarshalIndent(s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp credential file: %w", err)
	}

	return nil
}

// claims is the subset of JWT claims we attempt to read, best-effort.
type claims struct {
	jwt.RegisteredClaims
	UserID json.Number `json:"user_id"`
}

// Set replaces the current credential with token and cookies, parsing the
// token's claims (if it is a JWT) to populate expiry and user id on a
// best-effort basis. A malformed token is still stored opaquely -- it is
// never rejected by Set itself, only left without a known expiry.
func (s *Store) Set(token, cookies string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := Credential{
		AccessToken: token,
		Cookies:     cookies,
		AcquiredAt:  time.Now().UTC(),
	}

	if token != "" {
		parser := jwt.NewParser()
		var c claims
		if _, _, err := parser.ParseUnverified(token, &c); err == nil {
			if exp, err := c.GetExpirationTime(); err == nil && exp != nil {
				t := exp.Time.UTC()
				cred.ExpiresAt = &t
			}
			if c.UserID != "" {
				if id, err := c.UserID.Int64(); err == nil {
					cred.ExtractedUserID = &id
				}
			}
		}
		// Parse errors are intentionally swallowed: the token is stored
		// opaquely and validity degrades to "unknown" rather than rejected.
	}

	s.cur = cred
	return s.persist()
}

// MarkExpired flags the current credential as known-expired (e.g. after the
// broker returns 401/403) without discarding it, so operators can still see
// which token was rejected.
func (s *Store) MarkExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.empty() {
		return nil
	}
	s.cur.Expired = true
	return s.persist()
}

// Clear removes the current credential from memory and disk.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = Credential{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// GetToken returns the current bearer token, or "none" if unset.
func (s *Store) GetToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cur.empty() {
		return "none"
	}
	return s.cur.AccessToken
}

// GetCookies returns the current session cookie string, which may be empty.
func (s *Store) GetCookies() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Cookies
}

// IsValid reports whether a token is present and, to the best of our
// knowledge, not yet expired (with a safety margin subtracted from any
// known expiry).
func (s *Store) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cur.empty() || s.cur.Expired {
		return false
	}
	if s.cur.ExpiresAt == nil {
		return true // unknown expiry treated as valid
	}
	return time.Now().UTC().Before(s.cur.ExpiresAt.Add(-safetyMargin))
}

// TimeUntilExpiry returns the remaining validity window, or known=false if
// the expiry is unknown (caller should treat this as "unknown", not
// "expired"). The duration is never negative: zero means the token has
// already (or is about to, within the safety margin) expire.
func (s *Store) TimeUntilExpiry() (d time.Duration, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cur.ExpiresAt == nil {
		return 0, false
	}
	remaining := time.Until(s.cur.ExpiresAt.Add(-safetyMargin))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// UserID returns the best-effort extracted user id and whether one was
// found.
func (s *Store) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cur.ExtractedUserID == nil {
		return 0, false
	}
	return *s.cur.ExtractedUserID, true
}

// Snapshot returns a copy of the current credential state for status
// reporting through the facade.
func (s *Store) Snapshot() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}
