// Package osi implements the OSI format registry backend: a flat
// directory tree of OS image tarballs plus checksum files, grounded on
// original_source/fatbuildr/registry/formats/osi.py. There is no
// source/binary distinction and no changelog concept for this format.
package osi

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/ferrors"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
)

var logger = logging.Logr("registry/osi")

// ChecksumFiles are copied alongside every published image.
var ChecksumFiles = []string{"SHA256SUMS", "SHA256SUMS.gpg"}

// filenameRe matches "<name>_<version>.<arch>", the OSI artifact
// filename grammar.
var filenameRe = regexp.MustCompile(`^(?P<name>.+)_(?P<version>\d+)\.(?P<arch>.+)$`)

// Registry manages a flat-file OSI image tree for one instance.
type Registry struct {
	Path string
}

// New returns an OSI registry backend rooted at path.
func New(path string) *Registry {
	return &Registry{Path: path}
}

// Exists reports whether the registry's root directory is present.
func (r *Registry) Exists() bool {
	_, err := os.Stat(r.Path)
	return err == nil
}

// Distributions lists the directories under the registry root.
func (r *Registry) Distributions() ([]string, error) {
	return listDirNames(r.Path)
}

// Derivatives lists the derivative directories under a distribution.
func (r *Registry) Derivatives(distribution string) ([]string, error) {
	return listDirNames(filepath.Join(r.Path, distribution))
}

func (r *Registry) derivativePath(distribution, derivative string) string {
	return filepath.Join(r.Path, distribution, derivative)
}

func listDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	logger.Infof("creating directory %s", path)
	return os.Mkdir(path, 0o755)
}

// Publish copies a build's checksum files and tarballs into the
// distribution/derivative directory, creating parent directories as
// needed.
func (r *Registry) Publish(build registry.Build, signer registry.Signer) error {
	logger.Infof("publishing OSI images for %s", build.Artifact())

	derivativePath := r.derivativePath(build.Distribution(), build.Derivative())
	if err := ensureDir(r.Path); err != nil {
		return &ferrors.RuntimeError{Op: "create OSI registry directory", Err: err}
	}
	if err := ensureDir(filepath.Dir(derivativePath)); err != nil {
		return &ferrors.RuntimeError{Op: "create OSI distribution directory", Err: err}
	}
	if err := ensureDir(derivativePath); err != nil {
		return &ferrors.RuntimeError{Op: "create OSI derivative directory", Err: err}
	}

	var builtFiles []string
	for _, name := range ChecksumFiles {
		builtFiles = append(builtFiles, filepath.Join(build.Place(), name))
	}
	matches, err := filepath.Glob(filepath.Join(build.Place(), "*.tar.*"))
	if err != nil {
		return &ferrors.RuntimeError{Op: "globbing built tarballs", Err: err}
	}
	builtFiles = append(builtFiles, matches...)

	for _, src := range builtFiles {
		dst := filepath.Join(derivativePath, filepath.Base(src))
		logger.Debugf("copying file %s to %s", src, dst)
		if err := copyFile(src, dst); err != nil {
			return &ferrors.RegistryError{Msg: fmt.Sprintf("copying %s to %s: %v", src, dst, err)}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, content, 0o644)
}

func (r *Registry) artifactsFilter(distribution, derivative, nameFilter string) ([]artifact.Artifact, error) {
	entries, err := os.ReadDir(r.derivativePath(distribution, derivative))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var artifacts []artifact.Artifact
	for _, e := range entries {
		name := e.Name()
		if isChecksumFile(name) || strings.HasSuffix(name, ".manifest") {
			continue
		}
		m := filenameRe.FindStringSubmatch(name)
		if m == nil {
			logger.Warnf("file %s does not match OSI artifact filename grammar", name)
			continue
		}
		artName, version, arch := m[1], m[2], m[3]
		if nameFilter != "" && artName != nameFilter {
			continue
		}
		// OSI image filenames carry a bare numeric version with no
		// release component, unlike Deb/RPM's "main-release" grammar.
		v := artifact.Version{Main: version}
		artifacts = append(artifacts, artifact.Artifact{Name: artName, Arch: arch, Version: v})
	}
	return artifacts, nil
}

func isChecksumFile(name string) bool {
	for _, c := range ChecksumFiles {
		if name == c {
			return true
		}
	}
	return false
}

// Artifacts lists every image published under (distribution, derivative).
func (r *Registry) Artifacts(distribution, derivative string) ([]artifact.Artifact, error) {
	return r.artifactsFilter(distribution, derivative, "")
}

// ArtifactBins returns the image matching srcArtifact's name; OSI has no
// source/binary distinction.
func (r *Registry) ArtifactBins(distribution, derivative, srcArtifact string) ([]artifact.Artifact, error) {
	return r.artifactsFilter(distribution, derivative, srcArtifact)
}

// ArtifactSrc returns the image matching binArtifact's name; OSI has no
// source/binary distinction.
func (r *Registry) ArtifactSrc(distribution, derivative, binArtifact string) (*artifact.Artifact, error) {
	matches, err := r.artifactsFilter(distribution, derivative, binArtifact)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// SourceVersion returns the currently published version of an image, or
// nil if not published.
func (r *Registry) SourceVersion(distribution, derivative, name string) (*artifact.Version, error) {
	matches, err := r.artifactsFilter(distribution, derivative, name)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0].Version, nil
}

// Changelog always returns no entries: OSI images carry no changelog.
func (r *Registry) Changelog(distribution, derivative, architecture, name string) ([]artifact.ChangelogEntry, error) {
	return nil, nil
}

// DeleteArtifact removes an image and its sibling .manifest file, if
// present.
func (r *Registry) DeleteArtifact(distribution, derivative string, a artifact.Artifact, signer registry.Signer) error {
	path := filepath.Join(r.derivativePath(distribution, derivative), fmt.Sprintf("%s_%s.%s", a.Name, a.Version.Main, a.Arch))
	if _, err := os.Stat(path); err == nil {
		logger.Infof("deleting OSI file %s", path)
		if err := os.Remove(path); err != nil {
			return err
		}
	} else {
		logger.Warnf("unable to find OSI file %s", path)
	}

	manifest := strings.TrimSuffix(path, filepath.Ext(path)) + ".manifest"
	if _, err := os.Stat(manifest); err == nil {
		logger.Infof("deleting OSI manifest file %s", manifest)
		if err := os.Remove(manifest); err != nil {
			return err
		}
	} else {
		logger.Warnf("unable to find OSI manifest file %s", manifest)
	}
	return nil
}
