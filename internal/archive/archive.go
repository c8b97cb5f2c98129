// Package archive implements safe tar/zip extraction with path-traversal
// defense and optional leading-component stripping, plus reproducible
// zip-to-tar.xz conversion. Grounded on original_source/fatbuildr/archive.py
// and the extraction idiom of the teacher's cmd/distri/build.go extract().
package archive

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/distr1/fatbuildr/internal/logging"
)

var logger = logging.Logr("archive")

// Kind identifies which container format an archive uses.
type Kind int

const (
	KindTar Kind = iota
	KindZip
)

// Sniff returns the archive Kind for path, using the same coarse signal as
// Python's mimetypes.guess_type: the filename suffix.
func Sniff(path string) Kind {
	if strings.HasSuffix(path, ".zip") {
		return KindZip
	}
	return KindTar
}

// File wraps a single on-disk archive and dispatches extraction to the
// tar or zip implementation.
type File struct {
	Path string
	Kind Kind
}

// Open returns a File wrapper for path, sniffing its kind.
func Open(path string) *File {
	return &File{Path: path, Kind: Sniff(path)}
}

// Stem returns the archive's filename without any compression/container
// suffix, e.g. "pkg-1.2.3" for "pkg-1.2.3.tar.xz".
func (f *File) Stem() string {
	base := filepath.Base(f.Path)
	for _, suf := range []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tar", ".tgz", ".zip"} {
		if strings.HasSuffix(base, suf) {
			return strings.TrimSuffix(base, suf)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SanitizedStem collapses runs of non alphanumeric characters in Stem into
// single dashes, safe for use as a temporary directory name.
func (f *File) SanitizedStem() string {
	stem := f.Stem()
	var b strings.Builder
	lastDash := false
	for _, r := range stem {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// Extract extracts the archive into output, optionally stripping the first
// strip leading path components. It returns the path to the archive's
// single top-level directory under output, when one exists.
func (f *File) Extract(output string, strip int) (string, error) {
	switch f.Kind {
	case KindZip:
		if err := extractZip(f.Path, output, strip); err != nil {
			return "", err
		}
	default:
		if err := ExtractTarSafely(f.Path, output, strip); err != nil {
			return "", err
		}
	}
	return f.Subdir(output)
}

// HasSingleToplevel reports whether every member of the archive shares one
// common leading path component.
func (f *File) HasSingleToplevel() (bool, error) {
	sub, err := f.topLevelName()
	if err != nil {
		return false, err
	}
	return sub != "", nil
}

// Subdir returns the path to the archive's single top-level directory
// below output. It returns an error if members don't share one.
func (f *File) Subdir(output string) (string, error) {
	sub, err := f.topLevelName()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", fmt.Errorf("archive %s: no single top-level directory found", f.Path)
	}
	return filepath.Join(output, sub), nil
}

func (f *File) topLevelName() (string, error) {
	names, err := f.names()
	if err != nil {
		return "", err
	}
	top := ""
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		if n == "" {
			continue
		}
		parts := strings.SplitN(n, "/", 2)
		if top == "" {
			top = parts[0]
		} else if top != parts[0] {
			return "", nil
		}
	}
	return top, nil
}

func (f *File) names() ([]string, error) {
	if f.Kind == KindZip {
		r, err := zip.OpenReader(f.Path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		names := make([]string, 0, len(r.File))
		for _, zf := range r.File {
			names = append(names, zf.Name)
		}
		return names, nil
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	tr, closer, err := openTarStream(fh, f.Path)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}

// openTarStream returns a *tar.Reader over path, transparently decompressing
// gzip- or xz-compressed streams. Uncompressed and unrecognized-suffix
// archives are read as plain tar.
func openTarStream(r io.Reader, path string) (*tar.Reader, io.Closer, error) {
	switch {
	case strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return tar.NewReader(gz), gz, nil
	case strings.HasSuffix(path, ".xz") || strings.HasSuffix(path, ".txz"):
		xz, err := newXzReader(path)
		if err != nil {
			return nil, nil, err
		}
		return tar.NewReader(xz), xz, nil
	}
	return tar.NewReader(r), nil, nil
}

// xzPipe decompresses path by shelling out to xz(1), the same external-tool
// idiom the module already uses for patch(1) and reprepro/createrepo_c: no
// pure-Go xz decoder exists anywhere in the example pack, and xz is the
// standard system tool for the job.
type xzPipe struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newXzReader(path string) (*xzPipe, error) {
	cmd := exec.Command("xz", "--decompress", "--stdout", "--keep", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting xz decompressor: %w", err)
	}
	return &xzPipe{cmd: cmd, stdout: stdout}, nil
}

func (x *xzPipe) Read(p []byte) (int, error) { return x.stdout.Read(p) }

func (x *xzPipe) Close() error {
	x.stdout.Close()
	return x.cmd.Wait()
}

// ExtractTarSafely extracts a tar (optionally gzip-compressed) archive into
// output. Members with an absolute path or any ".." path component are
// skipped with a warning rather than extracted (path-traversal defense).
// Directories are first created with a transient, owner-only mode; after
// every member has been written, directory mode/mtime are reapplied in
// reverse-sorted order so children are fixed up before their parents. The
// root "." entry is never modified. If strip>0, members whose path has
// fewer than strip separators are skipped with an info log; otherwise the
// first strip components are removed from the extracted path.
func ExtractTarSafely(path, output string, strip int) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	tr, closer, err := openTarStream(fh, path)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	if err := os.MkdirAll(output, 0o755); err != nil {
		return err
	}

	type pending struct {
		path string
		mode os.FileMode
		mod  time.Time
	}
	var pendingDirs []pending

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name := hdr.Name
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			logger.Warnf("skipping unsafe archive member %s", name)
			continue
		}

		if strip > 0 {
			sepCount := strings.Count(name, "/")
			if sepCount < strip {
				logger.Infof("skipping archive member %s shallower than strip=%d", name, strip)
				continue
			}
			parts := strings.SplitN(name, "/", strip+1)
			name = parts[len(parts)-1]
			if name == "" {
				continue
			}
		}
		if name == "." {
			continue
		}

		dest := filepath.Join(output, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return err
			}
			pendingDirs = append(pendingDirs, pending{dest, os.FileMode(hdr.Mode) & 0o7777, hdr.ModTime})
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o7777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
			os.Chtimes(dest, hdr.ModTime, hdr.ModTime)
		case tar.TypeSymlink:
			os.Symlink(hdr.Linkname, dest)
		default:
			// skip device nodes and other uncommon types
		}
	}

	sort.Slice(pendingDirs, func(i, j int) bool { return pendingDirs[i].path > pendingDirs[j].path })
	for _, pd := range pendingDirs {
		os.Chmod(pd.path, pd.mode)
		os.Chtimes(pd.path, pd.mod, pd.mod)
	}
	return nil
}

// extractZip extracts a zip archive into output, normalizing paths by
// stripping drive letters and empty/"."/".." components.
func extractZip(path, output string, strip int) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(output, 0o755); err != nil {
		return err
	}

	for _, zf := range r.File {
		name := sanitizeZipPath(zf.Name)
		if name == "" {
			continue
		}
		if strip > 0 {
			sepCount := strings.Count(name, "/")
			if sepCount < strip {
				continue
			}
			parts := strings.SplitN(name, "/", strip+1)
			name = parts[len(parts)-1]
		}
		if name == "" {
			continue
		}
		dest := filepath.Join(output, name)
		if zf.FileInfo().IsDir() {
			os.MkdirAll(dest, 0o755)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		out.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func sanitizeZipPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.Index(name, ":"); idx >= 0 && idx < 3 {
		name = name[idx+1:]
	}
	parts := strings.Split(name, "/")
	var clean []string
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

// ConvertTar reproducibly converts a zip archive into an xz-compressed tar
// at destPath, shelling out to xz(1) for compression, the same way
// openTarStream shells out to it for decompression. Per-entry size and
// mtime are derived from the zip directory entry rather than wall-clock;
// directories get mode 0755, files 0644.
func ConvertTar(zipPath, destPath string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	cmd := exec.Command("xz", "--compress", "--stdout", "-6")
	cmd.Stdout = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting xz compressor: %w", err)
	}

	tw := tar.NewWriter(stdin)

	names := make([]string, 0, len(r.File))
	byName := make(map[string]*zip.File, len(r.File))
	for _, zf := range r.File {
		names = append(names, zf.Name)
		byName[zf.Name] = zf
	}
	sort.Strings(names)

	for _, name := range names {
		zf := byName[name]
		isDir := zf.FileInfo().IsDir()
		hdr := &tar.Header{
			Name:    sanitizeZipPath(name),
			ModTime: zf.Modified,
		}
		if isDir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Name += "/"
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = 0o644
			hdr.Size = int64(zf.UncompressedSize64)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			stdin.Close()
			cmd.Wait()
			return err
		}
		if !isDir {
			rc, err := zf.Open()
			if err != nil {
				stdin.Close()
				cmd.Wait()
				return err
			}
			_, err = io.Copy(tw, rc)
			rc.Close()
			if err != nil {
				stdin.Close()
				cmd.Wait()
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		stdin.Close()
		cmd.Wait()
		return err
	}
	if err := stdin.Close(); err != nil {
		cmd.Wait()
		return err
	}
	return cmd.Wait()
}
