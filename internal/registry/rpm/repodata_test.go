package rpm

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

const testPrimaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" packages="1">
  <package type="rpm">
    <name>myapp</name>
    <arch>x86_64</arch>
    <version epoch="0" ver="1.2" rel="3"/>
    <checksum type="sha256" pkgid="YES">abcd1234</checksum>
    <location href="Packages/myapp-1.2-3.x86_64.rpm"/>
    <format>
      <rpm:sourcerpm xmlns:rpm="http://linux.duke.edu/metadata/rpm">myapp-1.2-3.src.rpm</rpm:sourcerpm>
    </format>
  </package>
</metadata>`

const testOtherXML = `<?xml version="1.0" encoding="UTF-8"?>
<otherdata xmlns="http://linux.duke.edu/metadata/other" packages="1">
  <package pkgid="abcd1234" name="myapp" arch="x86_64">
    <changelog author="Jane Doe &lt;jane@example.org&gt; - 1.2-3" date="1000">- fixed things</changelog>
  </package>
</otherdata>`

func writeGzFile(t *testing.T, path, content string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func seedRepodata(t *testing.T, repoPath string) {
	t.Helper()
	repodataDir := filepath.Join(repoPath, "repodata")
	if err := os.MkdirAll(repodataDir, 0o755); err != nil {
		t.Fatalf("mkdir repodata: %v", err)
	}
	writeGzFile(t, filepath.Join(repodataDir, "primary.xml.gz"), testPrimaryXML)
	writeGzFile(t, filepath.Join(repodataDir, "other.xml.gz"), testOtherXML)

	repomd := `<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary">
    <location href="repodata/primary.xml.gz"/>
  </data>
  <data type="other">
    <location href="repodata/other.xml.gz"/>
  </data>
</repomd>`
	if err := os.WriteFile(filepath.Join(repodataDir, "repomd.xml"), []byte(repomd), 0o644); err != nil {
		t.Fatalf("write repomd.xml: %v", err)
	}
}

func TestLoadMetadataParsesPackagesAndChangelogs(t *testing.T) {
	repoPath := t.TempDir()
	seedRepodata(t, repoPath)

	packages, err := loadMetadata(repoPath)
	if err != nil {
		t.Fatalf("loadMetadata: %v", err)
	}
	if len(packages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(packages))
	}
	pkg := packages[0]
	if pkg.Name != "myapp" || pkg.Arch != "x86_64" || pkg.fullVersion() != "1.2-3" {
		t.Errorf("unexpected package: %+v", pkg)
	}
	if pkg.SourceRPM != "myapp-1.2-3.src.rpm" {
		t.Errorf("unexpected sourcerpm: %q", pkg.SourceRPM)
	}
	if len(pkg.Changelogs) != 1 || pkg.Changelogs[0].Date != 1000 {
		t.Errorf("unexpected changelogs: %+v", pkg.Changelogs)
	}
}

func TestLoadMetadataMissingRepodataIsEmpty(t *testing.T) {
	packages, err := loadMetadata(t.TempDir())
	if err != nil {
		t.Fatalf("loadMetadata: %v", err)
	}
	if packages != nil {
		t.Errorf("expected nil packages, got %+v", packages)
	}
}
