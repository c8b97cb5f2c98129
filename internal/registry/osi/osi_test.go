package osi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/fatbuildr/internal/artifact"
)

type fakeSigner struct{}

func (fakeSigner) GnupgHome() string         { return "" }
func (fakeSigner) SubkeyFingerprint() string { return "" }
func (fakeSigner) LoadAgent() error          { return nil }

type fakeBuild struct {
	artifact, distribution, derivative, place string
}

func (b fakeBuild) Artifact() string     { return b.artifact }
func (b fakeBuild) Distribution() string { return b.distribution }
func (b fakeBuild) Derivative() string   { return b.derivative }
func (b fakeBuild) Place() string        { return b.place }
func (b fakeBuild) RunCmd(name string, args []string, env map[string]string) error {
	return nil
}

func TestPublishCopiesTarballsAndChecksums(t *testing.T) {
	place := t.TempDir()
	seedNames := append(append([]string{}, ChecksumFiles...), "myimage_1.tar.xz")
	for _, name := range seedNames {
		if err := os.WriteFile(filepath.Join(place, name), []byte("content"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	root := t.TempDir()
	r := New(root)
	build := fakeBuild{artifact: "myimage", distribution: "stable", derivative: "main", place: place}
	if err := r.Publish(build, fakeSigner{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, name := range append([]string{"myimage_1.tar.xz"}, ChecksumFiles...) {
		if _, err := os.Stat(filepath.Join(root, "stable", "main", name)); err != nil {
			t.Errorf("expected %s to be published: %v", name, err)
		}
	}
}

func TestArtifactsFilterSkipsChecksumsAndManifests(t *testing.T) {
	root := t.TempDir()
	derivativePath := filepath.Join(root, "stable", "main")
	if err := os.MkdirAll(derivativePath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := []string{"myimage_3.x86_64", "myimage_3.manifest", "SHA256SUMS", "SHA256SUMS.gpg", "garbage"}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(derivativePath, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", f, err)
		}
	}

	r := New(root)
	artifacts, err := r.Artifacts("stable", "main")
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d: %v", len(artifacts), artifacts)
	}
	if artifacts[0].Name != "myimage" || artifacts[0].Arch != "x86_64" || artifacts[0].Version.Main != "3" {
		t.Errorf("unexpected artifact: %+v", artifacts[0])
	}
}

func TestDeleteArtifactRemovesImageAndManifest(t *testing.T) {
	root := t.TempDir()
	derivativePath := filepath.Join(root, "stable", "main")
	if err := os.MkdirAll(derivativePath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	imgPath := filepath.Join(derivativePath, "myimage_3.x86_64")
	manifestPath := filepath.Join(derivativePath, "myimage_3.manifest")
	for _, p := range []string{imgPath, manifestPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	r := New(root)
	a := artifact.Artifact{Name: "myimage", Arch: "x86_64", Version: artifact.Version{Main: "3"}}

	if err := r.DeleteArtifact("stable", "main", a, fakeSigner{}); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if _, err := os.Stat(imgPath); !os.IsNotExist(err) {
		t.Error("expected image file to be removed")
	}
	if _, err := os.Stat(manifestPath); !os.IsNotExist(err) {
		t.Error("expected manifest file to be removed")
	}
}
