package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func buildTarGz(t *testing.T, entries map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	for _, name := range names {
		content := entries[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag != tar.TypeDir {
			tw.Write([]byte(content))
		}
	}
	tw.Close()
	gz.Close()
	return path
}

func TestExtractTarSafelyStrip(t *testing.T) {
	archivePath := buildTarGz(t, map[string]string{
		"pkg-1.0/":          "",
		"pkg-1.0/README":    "hello",
		"pkg-1.0/src/main.c": "int main(){}",
	})
	out := t.TempDir()
	if err := ExtractTarSafely(archivePath, out, 1); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"README", filepath.Join("src", "main.c")} {
		if _, err := os.Stat(filepath.Join(out, want)); err != nil {
			t.Errorf("expected extracted file %s: %v", want, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "pkg-1.0")); err == nil {
		t.Errorf("strip=1 should have removed the pkg-1.0 prefix")
	}
}

func TestExtractTarSafelyRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	evil := []string{"../outside", "/etc/passwd", "ok/../../escape"}
	for _, name := range evil {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: 1}
		tw.WriteHeader(hdr)
		tw.Write([]byte("x"))
	}
	tw.Close()
	gz.Close()
	f.Close()

	out := t.TempDir()
	if err := ExtractTarSafely(path, out, 0); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files extracted from unsafe archive, got %v", entries)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "outside")); err == nil {
		t.Errorf("traversal entry must not have escaped the archive root")
	}
}

func TestConvertTarAndExtractXzRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("xz"); err != nil {
		t.Skip("xz binary not available")
	}
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "src.zip")
	zf, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(zf)
	fw, err := zw.Create("pkg-1.0/README")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zf.Close(); err != nil {
		t.Fatal(err)
	}

	destPath := filepath.Join(dir, "src.tar.xz")
	if err := ConvertTar(zipPath, destPath); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	if err := ExtractTarSafely(destPath, out, 0); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(out, "pkg-1.0", "README"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("extracted content = %q, want %q", data, "hello")
	}
}

func TestSanitizedStem(t *testing.T) {
	f := &File{Path: "/tmp/my_pkg+weird@1.2.3.tar.gz"}
	got := f.SanitizedStem()
	if strings.ContainsAny(got, "+@_") {
		t.Errorf("SanitizedStem() = %q, want only alnum and dashes", got)
	}
}
