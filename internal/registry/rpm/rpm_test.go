package rpm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/registry"
)

type fakeArchMap struct{}

func (fakeArchMap) Native(normalized string) (string, error) { return normalized, nil }
func (fakeArchMap) Normalized(native string) (string, error) { return native, nil }

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

type fakeSigner struct{}

func (fakeSigner) GnupgHome() string         { return "" }
func (fakeSigner) SubkeyFingerprint() string { return "" }
func (fakeSigner) LoadAgent() error          { return nil }

func TestExistsAndDistributions(t *testing.T) {
	root := t.TempDir()
	r := New(root, []string{registry.ArchAMD64}, fakeArchMap{})
	if r.Exists() {
		t.Error("expected Exists to be false for empty root")
	}
	if err := os.MkdirAll(filepath.Join(root, "el9", "main"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !r.Exists() {
		t.Error("expected Exists to be true once root directory exists")
	}
	dists, err := r.Distributions()
	if err != nil || len(dists) != 1 || dists[0] != "el9" {
		t.Errorf("unexpected Distributions result: %v, err=%v", dists, err)
	}
	derivs, err := r.Derivatives("el9")
	if err != nil || len(derivs) != 1 || derivs[0] != "main" {
		t.Errorf("unexpected Derivatives result: %v, err=%v", derivs, err)
	}
}

func TestArtifactsAndChangelogAgainstSeededRepodata(t *testing.T) {
	root := t.TempDir()
	repoPath := filepath.Join(root, "el9", "main", registry.ArchAMD64)
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	seedRepodata(t, repoPath)

	r := New(root, []string{registry.ArchAMD64}, fakeArchMap{})

	artifacts, err := r.Artifacts("el9", "main")
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Name != "myapp" {
		t.Fatalf("unexpected artifacts: %+v", artifacts)
	}
	if artifacts[0].Version.Main != "1.2" || artifacts[0].Version.Release != "3" {
		t.Errorf("unexpected version: %+v", artifacts[0].Version)
	}

	bins, err := r.ArtifactBins("el9", "main", "myapp")
	if err != nil {
		t.Fatalf("ArtifactBins: %v", err)
	}
	if len(bins) != 1 || bins[0].Name != "myapp" {
		t.Errorf("unexpected bins: %+v", bins)
	}

	changelog, err := r.Changelog("el9", "main", registry.ArchAMD64, "myapp")
	if err != nil {
		t.Fatalf("Changelog: %v", err)
	}
	if len(changelog) != 1 || changelog[0].Author != "Jane Doe <jane@example.org>" {
		t.Errorf("unexpected changelog: %+v", changelog)
	}
}

func TestSourceRPMNameAndVersion(t *testing.T) {
	if got := sourceRPMName("myapp-1.2-3.src.rpm"); got != "myapp" {
		t.Errorf("sourceRPMName: got %q", got)
	}
	if got := sourceRPMVersion("myapp-1.2-3.src.rpm"); got != "1.2-3" {
		t.Errorf("sourceRPMVersion: got %q", got)
	}
}

func TestRpmArchSuffix(t *testing.T) {
	if got := rpmArchSuffix("/path/to/myapp-1.2-3.x86_64.rpm"); got != "x86_64" {
		t.Errorf("got %q", got)
	}
	if got := rpmArchSuffix("/path/to/myapp-1.2-3.src.rpm"); got != "src" {
		t.Errorf("got %q", got)
	}
}

func TestPublishCopiesRPMsIntoArchRepo(t *testing.T) {
	root := t.TempDir()
	place := t.TempDir()
	rpmPath := filepath.Join(place, "myapp-1.2-3.x86_64.rpm")
	if err := os.WriteFile(rpmPath, []byte("rpm content"), 0o644); err != nil {
		t.Fatalf("seed rpm: %v", err)
	}

	r := New(root, []string{registry.ArchAMD64}, fakeArchMap{})
	build := fakeBuild{artifact: "myapp", distribution: "el9", derivative: "main", place: place}

	if err := r.Publish(build, fakeSigner{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	dest := filepath.Join(r.pkgDir("el9", "main", registry.ArchAMD64), "myapp-1.2-3.x86_64.rpm")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected rpm copied to %s: %v", dest, err)
	}
}

func TestDeleteArtifactRemovesPackageFile(t *testing.T) {
	root := t.TempDir()
	repoPath := filepath.Join(root, "el9", "main", registry.ArchAMD64)
	if err := os.MkdirAll(filepath.Join(repoPath, "Packages"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	seedRepodata(t, repoPath)
	pkgPath := filepath.Join(repoPath, "Packages", "myapp-1.2-3.x86_64.rpm")
	if err := os.WriteFile(pkgPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed package file: %v", err)
	}

	r := New(root, []string{registry.ArchAMD64}, fakeArchMap{})
	a := artifact.Artifact{Name: "myapp", Arch: registry.ArchAMD64, Version: artifact.Version{Main: "1.2", Release: "3"}}

	// DeleteArtifact shells out to createrepo_c to refresh metadata; that
	// binary is not expected to be present in this test environment, so
	// only the package file removal is asserted rather than the call's
	// overall error return.
	_ = r.DeleteArtifact("el9", "main", a, fakeSigner{})
	if _, err := os.Stat(pkgPath); !os.IsNotExist(err) {
		t.Error("expected package file to be removed")
	}
}
