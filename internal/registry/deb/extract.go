package deb

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/fatbuildr/internal/archive"
)

// extractDebianChangelog extracts debian/changelog from the debian
// packaging archive referenced by a .dsc file (debian.tar.xz/.gz/.zst or
// an unpacked .diff.gz for format 1.0 sources).
func extractDebianChangelog(archPath string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "fatbuildr-deb-changelog")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := archive.ExtractTarSafely(archPath, dir, 0); err != nil {
		return nil, fmt.Errorf("extracting debian archive %s: %w", archPath, err)
	}
	path := filepath.Join(dir, "debian", "changelog")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to find debian changelog file in archive %s: %w", archPath, err)
	}
	return content, nil
}

// extractDebChangelog locates and extracts debian/changelog from a
// binary .deb package's data.tar member, grounded on python-debian's
// DebFile.changelog() (itself a data.tar lookup for
// usr/share/doc/<pkg>/changelog.Debian.gz).
func extractDebChangelog(debPath string) ([]byte, error) {
	fh, err := os.Open(debPath)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var dataMember string
	var dataPath string
	err = walkAr(bufio.NewReader(fh), func(e arEntry) error {
		if !strings.HasPrefix(e.Name, "data.tar") {
			return nil
		}
		dataMember = e.Name
		tmp, err := os.CreateTemp("", "fatbuildr-deb-data-*."+strings.TrimPrefix(filepath.Ext(e.Name), "."))
		if err != nil {
			return err
		}
		defer tmp.Close()
		if _, err := io.Copy(tmp, e.Body); err != nil {
			return err
		}
		dataPath = tmp.Name()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading ar archive %s: %w", debPath, err)
	}
	if dataMember == "" {
		return nil, fmt.Errorf("unable to find data.tar member in deb package %s", debPath)
	}
	defer os.Remove(dataPath)

	dir, err := os.MkdirTemp("", "fatbuildr-deb-data")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := archive.ExtractTarSafely(dataPath, dir, 0); err != nil {
		return nil, fmt.Errorf("extracting %s from deb package %s: %w", dataMember, debPath, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "usr", "share", "doc", "*", "changelog.Debian.gz"))
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		gzfh, err := os.Open(matches[0])
		if err != nil {
			return nil, err
		}
		defer gzfh.Close()
		gz, err := gzip.NewReader(gzfh)
		if err != nil {
			return nil, fmt.Errorf("ungzipping %s: %w", matches[0], err)
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}

	matches, err = filepath.Glob(filepath.Join(dir, "usr", "share", "doc", "*", "changelog.Debian"))
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return os.ReadFile(matches[0])
	}

	return nil, fmt.Errorf("unable to find debian changelog in deb package %s", debPath)
}
