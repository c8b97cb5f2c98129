package artifact

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChecksumSet maps an algorithm name (e.g. "sha256") to its hex digest for
// one version of an artifact.
type ChecksumSet map[string]string

// FormatSection is the per-format block of meta.yml: a required release
// number and optional build arguments.
type FormatSection struct {
	Release   string            `yaml:"release"`
	BuildArgs map[string]string `yaml:"buildargs,omitempty"`
}

// Meta is the parsed content of an artifact's meta.yml.
type Meta struct {
	Version   string                 `yaml:"version,omitempty"`
	Versions  map[string]string      `yaml:"versions,omitempty"`
	Tarball   string                 `yaml:"tarball,omitempty"`
	Checksums map[string]ChecksumSet `yaml:"checksums,omitempty"`
	Deb       *FormatSection         `yaml:"deb,omitempty"`
	RPM       *FormatSection         `yaml:"rpm,omitempty"`
	OSI       *FormatSection         `yaml:"osi,omitempty"`
}

// ParseMeta parses a meta.yml document.
func ParseMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing meta.yml: %w", err)
	}
	return &m, nil
}

// Derivatives returns the artifact's derivative names. Property 1: if
// Versions is absent, derivatives is ["main"]; otherwise it is the sorted
// keys of Versions.
func (m *Meta) Derivatives() []string {
	if len(m.Versions) == 0 {
		return []string{"main"}
	}
	names := make([]string, 0, len(m.Versions))
	for k := range m.Versions {
		names = append(names, k)
	}
	return names
}

// Defs is the typed, per-format specialized view over a loaded meta.yml
// that the build pipeline (C10) consumes, replacing the original's
// dynamic-attribute-lookup ArtifactDefs/__getattr__ tunnel (spec.md §9) with
// an explicit embedded record.
type Defs struct {
	Meta *Meta
	Name string
}

// HasTarball reports whether the artifact definition declares an upstream
// tarball URL (false for artifacts built without one, e.g. pure OSI image
// definitions).
func (d *Defs) HasTarball() bool { return d.Meta.Tarball != "" }

// Version returns the resolved version string for a derivative.
func (d *Defs) Version(derivative string) (string, error) {
	if v, ok := d.Meta.Versions[derivative]; ok {
		return v, nil
	}
	if d.Meta.Version != "" {
		return d.Meta.Version, nil
	}
	return "", fmt.Errorf("artifact %s: no version defined for derivative %q", d.Name, derivative)
}

// TarballURL renders the templated tarball URL for a given upstream
// version, substituting {{version}}.
func (d *Defs) TarballURL(version string) string {
	return strings.ReplaceAll(d.Meta.Tarball, "{{version}}", version)
}

// TarballFilename returns the filename component of the rendered tarball
// URL, honoring an optional "!renamed-file" suffix that overrides it.
func (d *Defs) TarballFilename(version string) string {
	url := d.Meta.Tarball
	if idx := strings.Index(url, "!"); idx > -1 {
		renamed := url[idx+1:]
		return strings.ReplaceAll(renamed, "{{version}}", version)
	}
	rendered := d.TarballURL(version)
	if idx := strings.LastIndexByte(rendered, '/'); idx > -1 {
		return rendered[idx+1:]
	}
	return rendered
}

// ChecksumFormat returns the checksum algorithm recorded for a derivative's
// resolved version.
func (d *Defs) ChecksumFormat(derivative string) (string, error) {
	version, err := d.Version(derivative)
	if err != nil {
		return "", err
	}
	set, ok := d.Meta.Checksums[version]
	if !ok {
		return "", fmt.Errorf("artifact %s: no checksum recorded for version %s", d.Name, version)
	}
	for algo := range set {
		return algo, nil
	}
	return "", fmt.Errorf("artifact %s: empty checksum set for version %s", d.Name, version)
}

// ChecksumValue returns the hex digest for a derivative's resolved version
// and its recorded algorithm.
func (d *Defs) ChecksumValue(derivative string) (string, error) {
	version, err := d.Version(derivative)
	if err != nil {
		return "", err
	}
	algo, err := d.ChecksumFormat(derivative)
	if err != nil {
		return "", err
	}
	return d.Meta.Checksums[version][algo], nil
}

// Release returns the release number declared in the per-format section.
func (d *Defs) Release(format string) (string, error) {
	var section *FormatSection
	switch format {
	case "deb":
		section = d.Meta.Deb
	case "rpm":
		section = d.Meta.RPM
	case "osi":
		section = d.Meta.OSI
	}
	if section == nil {
		return "", fmt.Errorf("artifact %s: no %s section in meta.yml", d.Name, format)
	}
	return section.Release, nil
}

// Artifact identifies a published (name, architecture, version) triple in
// a registry, using the normalized architecture vocabulary.
type Artifact struct {
	Name    string
	Arch    string
	Version Version
}

// ChangelogEntry is one changelog entry: a version, its author, an epoch
// timestamp and the list of change lines.
type ChangelogEntry struct {
	Version Version
	Author  string
	Date    int64
	Changes []string
}
