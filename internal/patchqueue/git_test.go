package patchqueue

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitRepoCreatesInitialCommit(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "README"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	repo, err := InitRepo(src, "Jane Doe", "jane@example.org")
	if err != nil {
		t.Fatalf("InitRepo: %v", err)
	}

	head, err := repo.repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	commit, err := repo.repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	if commit.Message != "Initial commit" {
		t.Errorf("expected initial commit message, got %q", commit.Message)
	}
	if commit.NumParents() != 0 {
		t.Errorf("expected initial commit to have no parents")
	}
}

func TestCommitExportUsesGivenIndex(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("line one\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	repo, err := InitRepo(src, "Jane Doe", "jane@example.org")
	if err != nil {
		t.Fatalf("InitRepo: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("modify file: %v", err)
	}

	apath := t.TempDir()
	dir := NewDir(apath, "1.0")
	if err := repo.CommitExport(dir.VersionSubdir(), 9999, "fatbuildr-prescript", "Jane Doe", "jane@example.org", "synthetic prescript diff", nil); err != nil {
		t.Fatalf("CommitExport: %v", err)
	}

	patches, err := dir.VersionSubdir().Patches()
	if err != nil {
		t.Fatalf("Patches: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected 1 exported patch, got %d", len(patches))
	}
	if got := patches[0].Name(); got != "9999-fatbuildr-prescript" {
		t.Errorf("expected patch exported at the given sentinel index, got %q", got)
	}
}

func TestExportQueueDescendingRenumber(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("line one\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	repo, err := InitRepo(src, "Jane Doe", "jane@example.org")
	if err != nil {
		t.Fatalf("InitRepo: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("first modification: %v", err)
	}
	if _, err := repo.commit("Jane Doe", "jane@example.org", "first-change", nil, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("line one\nline two\nline three\n"), 0o644); err != nil {
		t.Fatalf("second modification: %v", err)
	}
	if _, err := repo.commit("Jane Doe", "jane@example.org", "second-change", nil, nil); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	apath := t.TempDir()
	dir := NewDir(apath, "1.0")
	if err := repo.ExportQueue(dir); err != nil {
		t.Fatalf("ExportQueue: %v", err)
	}

	patches, err := dir.VersionSubdir().Patches()
	if err != nil {
		t.Fatalf("Patches: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("expected 2 exported patches, got %d: %v", len(patches), patches)
	}
	if got := patches[0].Name(); got != "0001-first-change" {
		t.Errorf("expected oldest commit renumbered to 0001-first-change, got %q", got)
	}
	if got := patches[1].Name(); got != "0002-second-change" {
		t.Errorf("expected newest commit renumbered to 0002-second-change, got %q", got)
	}
}
