package patchqueue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/fatbuildr/internal/deb822"
)

func TestFileTitleStripsIndexPrefix(t *testing.T) {
	dir := NewDir(t.TempDir(), "1.2.3")
	sub := dir.VersionSubdir()
	f := NewFile(sub, "0003-fix-the-thing.patch")
	if got := f.Title(); got != "fix-the-thing.patch" {
		t.Errorf("expected title fix-the-thing.patch, got %q", got)
	}
	if got := f.FullName(); got != filepath.Join("1.2.3", "0003-fix-the-thing.patch") {
		t.Errorf("unexpected FullName %q", got)
	}
}

func TestSubdirEnsureAndClean(t *testing.T) {
	apath := t.TempDir()
	dir := NewDir(apath, "generic-test")
	sub := dir.VersionSubdir()

	if sub.Exists() {
		t.Fatal("subdir should not exist yet")
	}
	if err := sub.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !sub.Exists() {
		t.Fatal("subdir should exist after Ensure")
	}

	meta := deb822.New()
	meta.Set("Description", "test patch")
	file := NewFile(sub, "0001-test.patch")
	if err := file.Write(meta, "--- a\n+++ b\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	patches, err := sub.Patches()
	if err != nil {
		t.Fatalf("Patches: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(patches))
	}

	if err := sub.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	patches, err = sub.Patches()
	if err != nil {
		t.Fatalf("Patches after clean: %v", err)
	}
	if len(patches) != 0 {
		t.Errorf("expected 0 patches after Clean, got %d", len(patches))
	}
}

func TestFileMetaRoundTrip(t *testing.T) {
	apath := t.TempDir()
	dir := NewDir(apath, "1.0")
	sub := dir.GenericSubdir()
	if err := sub.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	meta := deb822.New()
	meta.Set("Author", "Jane Doe <jane@example.org>")
	meta.Set("Forwarded", "no")
	file := NewFile(sub, "0001-patch.patch")
	if err := file.Write(meta, "diff content\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	readBack, err := file.Meta()
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if v, _ := readBack.Get("Author"); v != "Jane Doe <jane@example.org>" {
		t.Errorf("unexpected Author after round-trip: %q", v)
	}

	content, err := os.ReadFile(filepath.Join(apath, "patches", "generic", "0001-patch.patch"))
	if err != nil {
		t.Fatalf("reading raw patch file: %v", err)
	}
	if len(content) == 0 {
		t.Error("expected non-empty patch file content")
	}
}
