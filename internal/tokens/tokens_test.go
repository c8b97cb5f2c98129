package tokens

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distr1/fatbuildr/internal/ferrors"
)

func newTestManager(t *testing.T, durationDays int) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tokens")
	m := NewManager(dir, "fatbuildr", durationDays)
	require.NoError(t, m.Load(true))
	return m
}

func TestGenerateDecodeRoundTrip(t *testing.T) {
	m := newTestManager(t, 1)
	tok, err := m.Generate("alice")
	require.NoError(t, err)
	user, err := m.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestDecodeExpired(t *testing.T) {
	m := newTestManager(t, 0)
	// Force an already-expired token by dialing the duration negative.
	m.duration = -time.Hour
	tok, err := m.Generate("bob")
	require.NoError(t, err)
	_, err = m.Decode(tok)
	var tokErr *ferrors.TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, ferrors.TokenExpired, tokErr.Kind)
}

func TestDecodeInvalidSignature(t *testing.T) {
	m1 := newTestManager(t, 1)
	m2 := newTestManager(t, 1)
	tok, err := m1.Generate("carol")
	require.NoError(t, err)
	_, err = m2.Decode(tok)
	var tokErr *ferrors.TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, ferrors.TokenInvalid, tokErr.Kind)
}
