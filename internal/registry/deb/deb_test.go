package deb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeArchMap struct{}

func (fakeArchMap) Native(normalized string) (string, error) {
	switch normalized {
	case "x86_64":
		return "amd64", nil
	case "src":
		return "source", nil
	}
	return normalized, nil
}

func (fakeArchMap) Normalized(native string) (string, error) {
	switch native {
	case "amd64":
		return "x86_64", nil
	case "source":
		return "src", nil
	}
	return native, nil
}

func TestTemplateDistributionsDefault(t *testing.T) {
	rendered, err := templateDistributions("", []string{"bookworm"}, []string{"amd64", "arm64"}, []string{"main"}, "ABCDEF", "myinstance")
	if err != nil {
		t.Fatalf("templateDistributions: %v", err)
	}
	if !strings.Contains(rendered, "Codename: bookworm") {
		t.Errorf("expected rendered distributions to contain Codename, got %q", rendered)
	}
	if !strings.Contains(rendered, "SignWith: ABCDEF") {
		t.Errorf("expected SignWith fingerprint in rendered output, got %q", rendered)
	}
}

func TestUniqueStrings(t *testing.T) {
	got := uniqueStrings([]string{"a", "b"}, []string{"b", "c"})
	if len(got) != 3 {
		t.Fatalf("expected 3 unique entries, got %v", got)
	}
}

func TestDebianArchivePathSkipsOrig(t *testing.T) {
	dir := t.TempDir()
	dscPath := filepath.Join(dir, "mypkg_1.2-3.dsc")
	dsc := "Source: mypkg\nVersion: 1.2-3\nFiles:\n" +
		" aaaa 100 mypkg_1.2.orig.tar.gz\n" +
		" bbbb 200 mypkg_1.2-3.debian.tar.xz\n"
	if err := os.WriteFile(dscPath, []byte(dsc), 0o644); err != nil {
		t.Fatalf("write dsc: %v", err)
	}

	got, err := debianArchivePath(dscPath)
	if err != nil {
		t.Fatalf("debianArchivePath: %v", err)
	}
	want := filepath.Join(dir, "mypkg_1.2-3.debian.tar.xz")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestExistsFalseForEmptyRegistry(t *testing.T) {
	r := New(t.TempDir(), "", "myinstance", []string{"x86_64"}, fakeArchMap{})
	if r.Exists() {
		t.Error("expected a freshly created registry directory to not exist yet")
	}
}
