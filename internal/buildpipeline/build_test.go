package buildpipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/registry"
)

func newTestBuildTask(t *testing.T, req Request, pipelines instance.Pipelines) *BuildTask {
	t.Helper()
	bt := NewBuildTask("id1", "build", "tester", t.TempDir(), req, pipelines, nil, nil, nil)
	return &bt
}

func TestBuildTaskHistID(t *testing.T) {
	bt := newTestBuildTask(t, Request{Format: registry.Deb, Distribution: "bookworm", Artifact: "hello"}, instance.Pipelines{})
	if got, want := bt.HistID(), "deb:bookworm:hello"; got != want {
		t.Errorf("HistID() = %q, want %q", got, want)
	}
}

func TestBuildTaskFields(t *testing.T) {
	bt := newTestBuildTask(t, Request{
		Format: registry.RPM, Distribution: "el9", Derivative: "main",
		Artifact: "hello", Message: "bump",
	}, instance.Pipelines{})

	got := bt.Fields().Extra
	want := map[string]string{
		"format":       "rpm",
		"distribution": "el9",
		"derivative":   "main",
		"artifact":     "hello",
		"message":      "bump",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Fields().Extra mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildTaskDerivatives(t *testing.T) {
	pipelines := instance.Pipelines{
		Derivatives: map[string]instance.Derivative{
			"main":     {Name: "main"},
			"stable":   {Name: "stable", Extends: "main"},
			"unstable": {Name: "unstable", Extends: "stable"},
		},
	}
	bt := newTestBuildTask(t, Request{Derivative: "unstable"}, pipelines)
	got := bt.Derivatives()
	want := []string{"unstable", "stable", "main"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Derivatives() mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRenameIndex(t *testing.T) {
	bt := newTestBuildTask(t, Request{}, instance.Pipelines{})
	bt.Version.Main = "1.2.3"

	if err := os.WriteFile(filepath.Join(bt.Place(), "source.txt"), []byte("content"), 0o644); err != nil {
		t.Fatalf("seeding source file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bt.Place(), "rename"), []byte("source.txt renamed.txt\n"), 0o644); err != nil {
		t.Fatalf("writing rename index: %v", err)
	}

	if err := bt.applyRenameIndex(); err != nil {
		t.Fatalf("applyRenameIndex: %v", err)
	}

	if _, err := os.Stat(filepath.Join(bt.Place(), "renamed.txt")); err != nil {
		t.Errorf("expected renamed.txt to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(bt.Place(), "source.txt")); !os.IsNotExist(err) {
		t.Errorf("expected source.txt to be gone, stat err = %v", err)
	}
}

func TestApplyRenameIndexRendersTemplateFirst(t *testing.T) {
	bt := newTestBuildTask(t, Request{}, instance.Pipelines{})
	bt.Version.Main = "9.9.9"

	if err := os.WriteFile(filepath.Join(bt.Place(), "pkg-9.9.9.tar"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding source file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bt.Place(), "rename.j2"), []byte("pkg-{{.version.Main}}.tar final.tar\n"), 0o644); err != nil {
		t.Fatalf("writing rename template: %v", err)
	}

	if err := bt.applyRenameIndex(); err != nil {
		t.Fatalf("applyRenameIndex: %v", err)
	}
	if _, err := os.Stat(filepath.Join(bt.Place(), "final.tar")); err != nil {
		t.Errorf("expected final.tar to exist: %v", err)
	}
}

func TestHasPatches(t *testing.T) {
	bt := newTestBuildTask(t, Request{}, instance.Pipelines{})
	bt.Version.Main = "1.0"
	if bt.HasPatches() {
		t.Fatal("HasPatches should be false before any patches directory exists")
	}
	if err := os.MkdirAll(filepath.Join(bt.Place(), "patches", "1.0"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !bt.HasPatches() {
		t.Fatal("HasPatches should be true once the versioned patches directory exists")
	}
}
