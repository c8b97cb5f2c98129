// Package tokens implements per-instance JWT issuance and verification,
// grounded on original_source/fatbuildr/tokens.py. The signing key is a
// 64 hex character secret created mode 0400 alongside the instance's
// tokens directory.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/distr1/fatbuildr/internal/ferrors"
)

const keyFileName = "key"

// Manager issues and verifies tokens for one instance.
type Manager struct {
	path      string
	audience  string
	duration  time.Duration
	key       []byte
}

// NewManager constructs a Manager rooted at dir, with tokens valid for
// durationDays days and carrying aud=audience.
func NewManager(dir, audience string, durationDays int) *Manager {
	return &Manager{
		path:     dir,
		audience: audience,
		duration: time.Duration(durationDays) * 24 * time.Hour,
	}
}

// Load reads the signing key from disk, optionally creating the tokens
// directory and a fresh random key if create is true and none exists yet.
func (m *Manager) Load(create bool) error {
	if create {
		if err := os.MkdirAll(m.path, 0o755); err != nil {
			return &ferrors.RuntimeError{Op: "create tokens directory", Err: err}
		}
	}
	keyPath := filepath.Join(m.path, keyFileName)
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) || !create {
			return &ferrors.RuntimeError{Op: "load token signing key", Err: err}
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return &ferrors.RuntimeError{Op: "generate token signing key", Err: err}
		}
		hexKey := []byte(hex.EncodeToString(raw))
		if err := os.WriteFile(keyPath, hexKey, 0o400); err != nil {
			return &ferrors.RuntimeError{Op: "write token signing key", Err: err}
		}
		data = hexKey
	}
	m.key = data
	return nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate issues a signed token for user, valid for the manager's
// configured duration.
func (m *Manager) Generate(user string) (string, error) {
	now := time.Now()
	c := claims{jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		Audience:  jwt.ClaimStrings{m.audience},
		Subject:   user,
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", &ferrors.RuntimeError{Op: "sign token", Err: err}
	}
	return signed, nil
}

// Decode verifies signature, expiry and audience, and returns the
// subject (user name) on success. Failures map to a TokenError with a
// distinct kind for invalid vs expired tokens.
func (m *Manager) Decode(token string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithAudience(m.audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &ferrors.TokenError{Kind: ferrors.TokenExpired}
		}
		return "", &ferrors.TokenError{Kind: ferrors.TokenInvalid}
	}
	if !parsed.Valid {
		return "", &ferrors.TokenError{Kind: ferrors.TokenInvalid}
	}
	return c.Subject, nil
}

// ClientToken is the client-side on-disk representation of a stored
// token: which instance and user it was issued for, the raw token string
// and its expiry. Modeled per original_source/fatbuildr/tokens.py's
// ClientToken, but the out-of-scope CLI front-end owns persisting it;
// this type only gives that collaborator a stable shape to serialize.
type ClientToken struct {
	Instance string
	User     string
	Token    string
	Expires  time.Time
}
