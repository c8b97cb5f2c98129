// Package patchqueue manages the per-artifact patches directory and the
// throwaway Git repository used to apply and re-export it, grounded on
// original_source/fatbuildr/git.py and patches.py.
package patchqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/distr1/fatbuildr/internal/deb822"
	"github.com/distr1/fatbuildr/internal/templating"
)

// TemplateFieldKey is the deb822 field marking a patch as a Go template
// to be rendered before use.
const TemplateFieldKey = "Template"

// Dir is an artifact's patches directory, with a generic subdir (applies
// to every version) and a version-specific subdir.
type Dir struct {
	path    string
	Version string
}

// NewDir returns the patches directory for an artifact at apath (its
// definition directory) and the version currently being built.
func NewDir(apath, version string) *Dir {
	return &Dir{path: filepath.Join(apath, "patches"), Version: version}
}

// GenericSubdir is the version-independent patches subdir.
func (d *Dir) GenericSubdir() *Subdir { return &Subdir{dir: d, name: "generic"} }

// VersionSubdir is the patches subdir specific to d.Version.
func (d *Dir) VersionSubdir() *Subdir { return &Subdir{dir: d, name: d.Version} }

// Subdirs returns both subdirectories, generic first.
func (d *Dir) Subdirs() []*Subdir { return []*Subdir{d.GenericSubdir(), d.VersionSubdir()} }

// Empty reports whether neither subdirectory exists.
func (d *Dir) Empty() bool {
	for _, s := range d.Subdirs() {
		if s.Exists() {
			return false
		}
	}
	return true
}

// Ensure creates the patches directory if missing.
func (d *Dir) Ensure() error {
	if _, err := os.Stat(d.path); os.IsNotExist(err) {
		if err := os.Mkdir(d.path, 0o755); err != nil {
			return fmt.Errorf("creating patches directory %s: %w", d.path, err)
		}
	}
	return nil
}

// Subdir is one of a Dir's two subdirectories.
type Subdir struct {
	dir  *Dir
	name string
}

func (s *Subdir) path() string { return filepath.Join(s.dir.path, s.name) }

// Exists reports whether the subdirectory is present on disk.
func (s *Subdir) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

// Ensure creates the subdirectory (and its parent) if missing.
func (s *Subdir) Ensure() error {
	if err := s.dir.Ensure(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path()); os.IsNotExist(err) {
		if err := os.Mkdir(s.path(), 0o755); err != nil {
			return fmt.Errorf("creating patches subdirectory %s: %w", s.path(), err)
		}
	}
	return nil
}

// Patches returns the subdirectory's patch files, sorted by filename.
func (s *Subdir) Patches() ([]*File, error) {
	if !s.Exists() {
		return nil, nil
	}
	entries, err := os.ReadDir(s.path())
	if err != nil {
		return nil, fmt.Errorf("reading patches subdirectory %s: %w", s.path(), err)
	}
	var files []*File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, &File{path: filepath.Join(s.path(), e.Name()), generic: s.name == "generic"})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// Clean removes every existing patch in the subdirectory.
func (s *Subdir) Clean() error {
	files, err := s.Patches()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := f.Remove(); err != nil {
			return err
		}
	}
	return nil
}

// File is one patch file on disk, a deb822-metadata header followed by a
// blank line and a unified diff body.
type File struct {
	path    string
	generic bool
}

// NewFile returns the File that title would occupy inside subdir,
// without creating it.
func NewFile(subdir *Subdir, title string) *File {
	return &File{path: filepath.Join(subdir.path(), title), generic: subdir.name == "generic"}
}

// Name is the patch file's base filename.
func (f *File) Name() string { return filepath.Base(f.path) }

// FullName is "<subdir>/<filename>", used in log messages.
func (f *File) FullName() string {
	return filepath.Join(filepath.Base(filepath.Dir(f.path)), filepath.Base(f.path))
}

// Content reads the raw patch file bytes.
func (f *File) Content() ([]byte, error) { return os.ReadFile(f.path) }

// Title is the commit title embedded in the filename: everything after
// the first '-' (the numeric index prefix is stripped).
func (f *File) Title() string {
	name := f.Name()
	if idx := strings.IndexByte(name, '-'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func splitHeaderBody(content []byte) (header []byte, body string) {
	s := string(content)
	if idx := strings.Index(s, "\n\n"); idx >= 0 {
		return []byte(s[:idx]), s[idx+2:]
	}
	return content, ""
}

// Meta parses the file's deb822 header paragraph.
func (f *File) Meta() (*deb822.Paragraph, error) {
	content, err := f.Content()
	if err != nil {
		return nil, err
	}
	header, _ := splitHeaderBody(content)
	return deb822.Parse(header)
}

// IsTemplate reports whether the patch carries Template: yes metadata.
func (f *File) IsTemplate() (bool, error) {
	meta, err := f.Meta()
	if err != nil {
		return false, err
	}
	v, _ := meta.Get(TemplateFieldKey)
	return v == "yes", nil
}

// Render substitutes data into the patch body in place, for patches
// marked as templates.
func (f *File) Render(data map[string]any) error {
	tmp := f.path + ".swp"
	if err := os.Rename(f.path, tmp); err != nil {
		return fmt.Errorf("staging patch template %s: %w", f.path, err)
	}
	rendered, err := templating.FRender(tmp, data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, []byte(rendered), 0o644); err != nil {
		return fmt.Errorf("writing rendered patch %s: %w", f.path, err)
	}
	return os.Remove(tmp)
}

// InField reports whether value appears in the space-separated list in
// metadata field.
func (f *File) InField(field, value string) (bool, error) {
	meta, err := f.Meta()
	if err != nil {
		return false, err
	}
	v, ok := meta.Get(field)
	if !ok {
		return false, nil
	}
	for _, item := range strings.Fields(v) {
		if item == value {
			return true, nil
		}
	}
	return false, nil
}

// Generic reports whether the patch lives in the generic subdir.
func (f *File) Generic() bool { return f.generic }

// Write saves a patch file as "<meta>\n\n<diff>".
func (f *File) Write(meta *deb822.Paragraph, diff string) error {
	content := meta.String() + "\n" + diff
	return os.WriteFile(f.path, []byte(content), 0o644)
}

// Remove deletes the patch file.
func (f *File) Remove() error { return os.Remove(f.path) }
