// Package fetch downloads upstream artifact tarballs and verifies their
// checksums, grounded on original_source/fatbuildr/utils.py's
// dl_file/hasher/verify_checksum.
package fetch

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"

	"github.com/distr1/fatbuildr/internal/logging"
)

var logger = logging.Logr("fetch")

// DownloadFile fetches url and saves its body at path, overwriting any
// existing file.
func DownloadFile(url, path string) error {
	logger.Debugf("downloading %s and saving in %s", url, path)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func hasher(format string) (hash.Hash, error) {
	switch format {
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash format %s", format)
	}
}

// VerifyChecksum reads path and confirms its digest under format matches
// value, returning an error naming both digests otherwise.
func VerifyChecksum(path, format, value string) error {
	h, err := hasher(format)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	got := fmt.Sprintf("%x", h.Sum(nil))
	if got != value {
		return fmt.Errorf("%s checksum does not match: %s != %s", format, got, value)
	}
	return nil
}
