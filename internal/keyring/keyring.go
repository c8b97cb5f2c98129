// Package keyring manages a per-instance GPG keyring: a master
// certification key plus exactly one signing subkey, used to sign
// format registries. Grounded on original_source/fatbuildr/keyring.py.
//
// github.com/proglottis/gpgme wraps libgpgme's C API and, in the
// version vendored across the example pack, exposes key listing,
// export and verification but not key generation, the interactive
// edit-key transaction, or keygrip lookup. Those three operations are
// therefore shelled out to the gpg(1)/gpg-agent(1) CLI the way the
// rest of this codebase shells out to external build tools; everything
// gpgme can do natively (listing, export) goes through it.
package keyring

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/proglottis/gpgme"

	"github.com/distr1/fatbuildr/internal/ferrors"
	"github.com/distr1/fatbuildr/internal/logging"
)

var logger = logging.Logr("keyring")

// SubKey is the signing subkey attached to a Keyring's master key.
type SubKey struct {
	Fingerprint string
	Keygrip     string
	Algo        string
	Expires     string
	Creation    string
}

// MasterKey is a Keyring's certification key.
type MasterKey struct {
	UserID      string
	ID          string
	Fingerprint string
	Algo        string
	Expires     string
	Creation    string
	LastUpdate  string
	Subkey      SubKey
}

// Keyring manages the GPG homedir for one Fatbuildr instance.
type Keyring struct {
	Homedir   string
	Algorithm string
	Expires   bool
	ExpiresIn int
	MasterKey MasterKey
}

const passphraseLength = 32
const passphraseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns a Keyring rooted at homedir. algorithm follows GPGME's
// "<type><size>" naming (e.g. "rsa4096"). expiresIn is a day count,
// ignored when expires is false.
func New(homedir, algorithm string, expires bool, expiresIn int) *Keyring {
	return &Keyring{Homedir: homedir, Algorithm: algorithm, Expires: expires, ExpiresIn: expiresIn}
}

func (k *Keyring) passphrasePath() string {
	return filepath.Join(k.Homedir, "passphrase")
}

// Passphrase reads the keyring's stored passphrase.
func (k *Keyring) Passphrase() (string, error) {
	b, err := os.ReadFile(k.passphrasePath())
	if err != nil {
		return "", &ferrors.RuntimeError{Op: "read keyring passphrase", Err: err}
	}
	return string(b), nil
}

func randomPassphrase() (string, error) {
	b := make([]byte, passphraseLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, passphraseLength)
	for i, v := range b {
		out[i] = passphraseAlphabet[int(v)%len(passphraseAlphabet)]
	}
	return string(out), nil
}

func (k *Keyring) expireSpec() string {
	if !k.Expires {
		return "0"
	}
	return fmt.Sprintf("%dd", k.ExpiresIn)
}

// Create generates a fresh master key plus signing subkey for userid.
// It fails if the homedir already holds any key.
func (k *Keyring) Create(userid string) error {
	if _, err := os.Stat(k.Homedir); os.IsNotExist(err) {
		logger.Infof("creating keyring directory %s", k.Homedir)
		if err := os.Mkdir(k.Homedir, 0o700); err != nil {
			return &ferrors.RuntimeError{Op: "create keyring homedir", Err: err}
		}
	}

	ctx, err := gpgme.New()
	if err != nil {
		return &ferrors.RuntimeError{Op: "open gpgme context", Err: err}
	}
	defer ctx.Release()
	ctx.SetEngineInfo(gpgme.ProtocolOpenPGP, "", k.Homedir)
	if err := ctx.KeyListStart("", false); err != nil {
		return &ferrors.RuntimeError{Op: "list existing keys", Err: err}
	}
	hasKey := ctx.KeyListNext()
	ctx.KeyListEnd()
	if hasKey {
		return &ferrors.RuntimeError{Op: "create keyring", Err: fmt.Errorf("GPG key in %s already exists", k.Homedir)}
	}

	logger.Infof("generating random passphrase in %s", k.Homedir)
	passphrase, err := randomPassphrase()
	if err != nil {
		return &ferrors.RuntimeError{Op: "generate passphrase", Err: err}
	}
	if err := os.WriteFile(k.passphrasePath(), []byte(passphrase), 0o400); err != nil {
		return &ferrors.RuntimeError{Op: "write keyring passphrase", Err: err}
	}

	logger.Infof("generating GPG key in %s", k.Homedir)
	if err := k.gpgBatch([]string{
		"--batch", "--passphrase-file", k.passphrasePath(),
		"--quick-generate-key", userid, k.Algorithm, "default", k.expireSpec(),
	}, nil); err != nil {
		return &ferrors.RuntimeError{Op: "generate master key", Err: err}
	}
	if err := k.Load(); err != nil {
		return err
	}
	logger.Infof("key generated for user %q with fingerprint %s", k.MasterKey.UserID, k.MasterKey.Fingerprint)

	if err := k.gpgBatch([]string{
		"--batch", "--passphrase-file", k.passphrasePath(),
		"--quick-add-key", k.MasterKey.Fingerprint, k.Algorithm, "sign", k.expireSpec(),
	}, nil); err != nil {
		return &ferrors.RuntimeError{Op: "generate signing subkey", Err: err}
	}
	if err := k.Load(); err != nil {
		return err
	}
	logger.Infof("subkey generated for signature with fingerprint %s", k.MasterKey.Subkey.Fingerprint)
	return nil
}

// Load reads the master key and its signing subkey from the keyring.
func (k *Keyring) Load() error {
	ctx, err := gpgme.New()
	if err != nil {
		return &ferrors.RuntimeError{Op: "open gpgme context", Err: err}
	}
	defer ctx.Release()
	ctx.SetEngineInfo(gpgme.ProtocolOpenPGP, "", k.Homedir)

	if err := ctx.KeyListStart("", false); err != nil {
		return &ferrors.RuntimeError{Op: "list keys", Err: err}
	}
	defer ctx.KeyListEnd()
	if !ctx.KeyListNext() {
		return &ferrors.RuntimeError{Op: "load keyring", Err: fmt.Errorf("no key found in keyring %s", k.Homedir)}
	}
	key := ctx.Key
	defer key.Release()

	uids := key.UserIDs()
	if uids == nil {
		return &ferrors.RuntimeError{Op: "load keyring", Err: fmt.Errorf("key has no user id")}
	}
	master := key.SubKeys()
	if master == nil {
		return &ferrors.RuntimeError{Op: "load keyring", Err: fmt.Errorf("key has no subkeys")}
	}
	sub := master.Next()
	if sub == nil {
		return &ferrors.RuntimeError{Op: "load keyring", Err: fmt.Errorf("masterkey has no signing subkey")}
	}
	if sub.Next() != nil {
		return &ferrors.RuntimeError{Op: "load keyring", Err: fmt.Errorf("multiple subkeys found in masterkey")}
	}
	if ctx.KeyListNext() {
		return &ferrors.RuntimeError{Op: "load keyring", Err: fmt.Errorf("multiple keys found in keyring")}
	}

	k.MasterKey = MasterKey{
		UserID:      uids.UID(),
		ID:          master.KeyID(),
		Fingerprint: master.Fingerprint(),
		Creation:    master.Created().String(),
		Expires:     formatExpires(master),
		Subkey: SubKey{
			Fingerprint: sub.Fingerprint(),
			Creation:    sub.Created().String(),
			Expires:     formatExpires(sub),
		},
	}

	if grip, err := k.keygrip(sub.Fingerprint()); err == nil {
		k.MasterKey.Subkey.Keygrip = grip
	}
	return nil
}

func formatExpires(sub *gpgme.SubKey) string {
	t := sub.Expires()
	if t.IsZero() {
		return "never"
	}
	return t.String()
}

// Export returns the armored public key of the keyring's master key.
func (k *Keyring) Export() (string, error) {
	if err := k.Load(); err != nil {
		return "", err
	}
	ctx, err := gpgme.New()
	if err != nil {
		return "", &ferrors.RuntimeError{Op: "open gpgme context", Err: err}
	}
	defer ctx.Release()
	ctx.SetEngineInfo(gpgme.ProtocolOpenPGP, "", k.Homedir)
	ctx.SetArmor(true)

	data, err := gpgme.NewData()
	if err != nil {
		return "", &ferrors.RuntimeError{Op: "allocate export buffer", Err: err}
	}
	defer data.Close()
	if err := ctx.Export(k.MasterKey.Fingerprint, 0, data); err != nil {
		return "", &ferrors.RuntimeError{Op: "export public key", Err: err}
	}
	data.Seek(0, 0)
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := data.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return sb.String(), nil
}

// Renew extends both the master key and the signing subkey's expiry by
// duration (a GPG expire-spec such as "1y" or "30d").
func (k *Keyring) Renew(duration string) error {
	if err := k.Load(); err != nil {
		return err
	}
	if err := k.gpgBatch([]string{
		"--batch", "--pinentry-mode", "loopback", "--passphrase-file", k.passphrasePath(),
		"--quick-set-expire", k.MasterKey.Fingerprint, duration,
	}, nil); err != nil {
		return &ferrors.RuntimeError{Op: "renew master key", Err: err}
	}
	if err := k.gpgBatch([]string{
		"--batch", "--pinentry-mode", "loopback", "--passphrase-file", k.passphrasePath(),
		"--quick-set-expire", k.MasterKey.Fingerprint, duration, k.MasterKey.Subkey.Fingerprint,
	}, nil); err != nil {
		return &ferrors.RuntimeError{Op: "renew signing subkey", Err: err}
	}
	return k.Load()
}

// GnupgHome returns the keyring's GNUPGHOME directory, satisfying
// registry.Signer for format backends that shell out to signing tools.
func (k *Keyring) GnupgHome() string { return k.Homedir }

// SubkeyFingerprint returns the signing subkey's fingerprint, satisfying
// registry.Signer.
func (k *Keyring) SubkeyFingerprint() string { return k.MasterKey.Subkey.Fingerprint }

// LoadAgent preloads the signing subkey's passphrase into gpg-agent so
// non-interactive signing (e.g. reprepro) can use it without a
// pinentry prompt.
func (k *Keyring) LoadAgent() error {
	sockPath := filepath.Join(k.Homedir, "S.gpg-agent")
	if _, err := os.Stat(sockPath); err == nil {
		if err := runcmd(exec.Command("gpgconf", "--kill", "--homedir", k.Homedir, "gpg-agent")); err != nil {
			return &ferrors.RuntimeError{Op: "kill existing gpg-agent", Err: err}
		}
	}

	if err := runcmd(exec.Command("gpg-agent", "--homedir", k.Homedir, "--allow-preset-passphrase", "--daemon")); err != nil {
		return &ferrors.RuntimeError{Op: "start gpg-agent", Err: err}
	}

	if k.MasterKey.Subkey.Keygrip == "" {
		if err := k.Load(); err != nil {
			return err
		}
	}
	passphrase, err := k.Passphrase()
	if err != nil {
		return err
	}

	cmd := exec.Command("/usr/lib/gnupg/gpg-preset-passphrase", "--preset", k.MasterKey.Subkey.Keygrip)
	cmd.Env = append(os.Environ(), "GNUPGHOME="+k.Homedir)
	cmd.Stdin = strings.NewReader(passphrase)
	if err := runcmd(cmd); err != nil {
		return &ferrors.RuntimeError{Op: "preset subkey passphrase in agent", Err: err}
	}
	return nil
}

func (k *Keyring) gpgBatch(args []string, stdin []byte) error {
	cmd := exec.Command("gpg", append([]string{"--homedir", k.Homedir}, args...)...)
	if stdin != nil {
		cmd.Stdin = strings.NewReader(string(stdin))
	}
	return runcmd(cmd)
}

func runcmd(cmd *exec.Cmd) error {
	logger.Debugf("running command: %s", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

// keygrip looks up fingerprint's keygrip via gpg's colon-delimited
// listing output, since gpgme's Go binding does not expose keygrips.
func (k *Keyring) keygrip(fingerprint string) (string, error) {
	cmd := exec.Command("gpg", "--homedir", k.Homedir, "--with-colons", "--with-keygrip", "--list-secret-keys", fingerprint)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	sawKey := false
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "ssb", "sec":
			sawKey = true
		case "grp":
			if sawKey && len(fields) > 9 {
				return fields[9], nil
			}
		}
	}
	return "", fmt.Errorf("keygrip not found for %s", fingerprint)
}
