package keyring

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpireSpec(t *testing.T) {
	k := New("/tmp/does-not-matter", "rsa4096", false, 0)
	assert.Equal(t, "0", k.expireSpec())
	k.Expires = true
	k.ExpiresIn = 365
	assert.Equal(t, "365d", k.expireSpec())
}

func TestRandomPassphraseLengthAndAlphabet(t *testing.T) {
	p, err := randomPassphrase()
	require.NoError(t, err)
	assert.Len(t, p, passphraseLength)
	for _, c := range p {
		assert.Truef(t, strings.ContainsRune(passphraseAlphabet, c), "unexpected character %q in passphrase", c)
	}
}
