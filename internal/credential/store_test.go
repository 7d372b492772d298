package credential

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func makeJWT(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID: json.Number(userID),
	})
	signed, err := token.SignedString([]byte("doesnt-matter-we-never-verify"))
	if err != nil {
		t.Fatalf("sign test jwt: %v", err)
	}
	return signed
}

func TestSetAndValidity(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "token.json"))

	token := makeJWT(t, "4826457", time.Now().Add(time.Hour))
	if err := s.Set(token, "session=abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !s.IsValid() {
		t.Fatal("expected token to be valid")
	}
	if got := s.GetToken(); got != token {
		t.Fatalf("GetToken() = %q, want original token", got)
	}
	if got := s.GetCookies(); got != "session=abc" {
		t.Fatalf("GetCookies() = %q", got)
	}
	uid, ok := s.UserID()
	if !ok || uid != 4826457 {
		t.Fatalf("UserID() = (%d, %v), want (4826457, true)", uid, ok)
	}
}

func TestSetEmptyStringIsInvalid(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "token.json"))

	if err := s.Set("", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.IsValid() {
		t.Fatal("expected empty token to be invalid")
	}
	if got := s.GetToken(); got != "none" {
		t.Fatalf("GetToken() = %q, want none", got)
	}
}

func TestMalformedTokenStoredOpaquely(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "token.json"))

	if err := s.Set("not-a-jwt-at-all", ""); err != nil {
		t.Fatalf("Set should never reject malformed tokens: %v", err)
	}
	if got := s.GetToken(); got != "not-a-jwt-at-all" {
		t.Fatalf("GetToken() = %q", got)
	}
	// Unknown expiry treated as valid per spec.
	if !s.IsValid() {
		t.Fatal("expected malformed-but-present token to be valid (unknown expiry)")
	}
	if _, known := s.TimeUntilExpiry(); known {
		t.Fatal("expected TimeUntilExpiry to report unknown")
	}
}

func TestExpiredTokenIsInvalid(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "token.json"))

	token := makeJWT(t, "1", time.Now().Add(-time.Hour))
	if err := s.Set(token, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.IsValid() {
		t.Fatal("expected expired token to be invalid")
	}
}

func TestMarkExpiredOverridesUnknownExpiry(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "token.json"))

	if err := s.Set("opaque-token", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.MarkExpired(); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	if s.IsValid() {
		t.Fatal("expected MarkExpired to make the credential invalid")
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	s := New(path)

	if err := s.Set("tok", "cookie"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.GetToken() != "none" {
		t.Fatal("expected token to be cleared")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")

	s1 := New(path)
	token := makeJWT(t, "99", time.Now().Add(time.Hour))
	if err := s1.Set(token, "c=1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2 := New(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s2.GetToken() != token {
		t.Fatal("round-tripped token mismatch")
	}
	uid, ok := s2.UserID()
	if !ok || uid != 99 {
		t.Fatalf("round-tripped user id = (%d, %v)", uid, ok)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "does-not-exist.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if s.IsValid() {
		t.Fatal("expected empty store to be invalid")
	}
}
