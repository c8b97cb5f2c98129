package image

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/distr1/fatbuildr/internal/registry"
)

func testManager(t *testing.T, sysusersd bool) *Manager {
	t.Helper()
	conf := ManagerConfig{
		Storage:   t.TempDir(),
		Defs:      t.TempDir(),
		CreateCmd: "mkosi --force={{.force}} -d {{.format}} -o {{.path}} {{.definition}}",
		Formats: map[registry.Format]FormatConfig{
			registry.Deb: {
				ImgCreateUseSysusersd: sysusersd,
				ImgUpdateCmds:         "apt-get update && apt-get -y upgrade",
				EnvPath:               "/srv/{{.name}}",
				InitCmds:              "debootstrap --arch={{.architecture}} {{.environment}} {{.path}}",
				ShellCmd:              "chroot {{.path}} /bin/bash",
				ExecCmd:               "chroot {{.path}}",
				EnvDefaultMirror:      "http://deb.example.org",
				EnvDefaultComponents:  []string{"main"},
			},
		},
	}
	return NewManager(conf, "instance1")
}

func TestImagePath(t *testing.T) {
	m := testManager(t, true)
	img := m.Image(registry.Deb)
	if got := img.Path(); got == "" {
		t.Fatal("expected non-empty image path")
	}
}

func TestSkeletonArchiveSysusersd(t *testing.T) {
	m := testManager(t, true)
	img := m.Image(registry.Deb)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tarFile(tw, "g fatbuildr 1000\nu fatbuildr 1000:1000 \"Fatbuildr user\"\n", "usr/lib/sysusers.d/fatbuildr.conf", 0o644); err != nil {
		t.Fatalf("tarFile: %v", err)
	}
	tw.Close()

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("reading tar entry: %v", err)
	}
	if hdr.Name != "usr/lib/sysusers.d/fatbuildr.conf" {
		t.Errorf("unexpected tar entry name %q", hdr.Name)
	}
	_ = img
}

func TestSkeletonArchivePasswdFallback(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tarFile(tw, "fatbuildr:x:1000:1000:Fatbuildr system user:/:/bin/false\n", "etc/passwd", 0o644); err != nil {
		t.Fatalf("tarFile passwd: %v", err)
	}
	if err := tarFile(tw, "fatbuildr:x:1000:\n", "etc/group", 0o644); err != nil {
		t.Fatalf("tarFile group: %v", err)
	}
	if err := tarFile(tw, "fatbuildr:!*::\n", "etc/gshadow", 0o640); err != nil {
		t.Fatalf("tarFile gshadow: %v", err)
	}
	tw.Close()

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 tar entries, got %d: %v", len(names), names)
	}
}

func TestBuildEnvNaming(t *testing.T) {
	m := testManager(t, true)
	be := m.BuildEnv(registry.Deb, "bookworm", registry.ArchAMD64, "", nil, nil)

	base, err := be.Base()
	if err != nil {
		t.Fatalf("Base: %v", err)
	}
	if base != "bookworm-amd64" {
		t.Errorf("expected base bookworm-amd64, got %q", base)
	}

	name, err := be.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != "fatbuildr-bookworm-amd64" {
		t.Errorf("expected fatbuildr-bookworm-amd64, got %q", name)
	}

	if be.Mirror != "http://deb.example.org" {
		t.Errorf("expected default mirror to apply, got %q", be.Mirror)
	}
	if len(be.Components) != 1 || be.Components[0] != "main" {
		t.Errorf("expected default components to apply, got %v", be.Components)
	}
}

func TestBuildEnvCreateMissingInitCmds(t *testing.T) {
	m := testManager(t, true)
	conf := m.conf
	fc := conf.Formats[registry.RPM]
	conf.Formats[registry.RPM] = fc
	img := &Image{conf: conf, format: registry.RPM, instance: m.InstanceID}
	be := &BuildEnv{Image: img, Environment: "el9", Architecture: registry.ArchAMD64}

	if err := be.Create(noopRunner{}, nil); err == nil {
		t.Fatal("expected error when init_cmds is not configured for format")
	}
}

type noopRunner struct{}

func (noopRunner) RunCmd(name string, args []string, env map[string]string) error { return nil }
