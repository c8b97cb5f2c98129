package rpm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/ferrors"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
)

var logger = logging.Logr("registry/rpm")

var _ registry.Registry = (*Registry)(nil)

type registryArchMap interface {
	Native(normalized string) (string, error)
	Normalized(native string) (string, error)
}

// Registry manages a createrepo_c-backed yum/dnf repository for one
// instance.
type Registry struct {
	Path          string
	Architectures []string
	archmap       registryArchMap
}

// New returns an RPM registry backend rooted at path.
func New(path string, architectures []string, archmap registryArchMap) *Registry {
	return &Registry{Path: path, Architectures: architectures, archmap: archmap}
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

func (r *Registry) distPath(distribution string) string {
	return filepath.Join(r.Path, distribution)
}

// Derivatives lists the derivative directories under a distribution.
func (r *Registry) Derivatives(distribution string) ([]string, error) {
	return listDirNames(r.distPath(distribution))
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

// repoPath returns the concrete architecture repository path. A noarch
// lookup arbitrarily resolves to the host architecture's own repository,
// since architecture-independent packages are duplicated in every one.
func (r *Registry) repoPath(distribution, derivative, architecture string) string {
	arch := architecture
	if arch == "noarch" {
		arch = registry.HostArchitecture()
	}
	return filepath.Join(r.distPath(distribution), derivative, arch)
}

func (r *Registry) pkgDir(distribution, derivative, architecture string) string {
	return filepath.Join(r.repoPath(distribution, derivative, architecture), "Packages")
}

func (r *Registry) availableArchDirs(distribution, derivative string) ([]string, error) {
	base := filepath.Join(r.distPath(distribution), derivative)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		dirs = append(dirs, filepath.Join(base, e.Name()))
	}
	return dirs, nil
}

func mkMissingDirs(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	logger.Infof("creating missing directory %s", path)
	return os.MkdirAll(path, 0o755)
}

// rpmArchSuffix returns the architecture component of an rpm filename
// ("foo-1.2-3.x86_64.rpm" -> "x86_64").
func rpmArchSuffix(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".rpm")
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		return ""
	}
	return base[idx+1:]
}

func (r *Registry) publishRPMArch(build registry.Build, rpmPath, arch string) error {
	dir := r.pkgDir(build.Distribution(), build.Derivative(), arch)
	if err := mkMissingDirs(dir); err != nil {
		return err
	}
	logger.Debugf("copying RPM %s to %s", rpmPath, dir)
	content, err := os.ReadFile(rpmPath)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(rpmPath)), content, 0o644)
}

func (r *Registry) publishRPM(build registry.Build, rpmPath string) ([]string, error) {
	logger.Infof("publishing RPM %s", rpmPath)
	pkgArch := rpmArchSuffix(rpmPath)
	normalized, err := r.archmap.Normalized(pkgArch)
	if err != nil {
		normalized = pkgArch
	}

	var archs []string
	if normalized == "noarch" {
		archs = r.Architectures
	} else {
		archs = []string{normalized}
	}

	for _, arch := range archs {
		if err := r.publishRPMArch(build, rpmPath, arch); err != nil {
			return nil, err
		}
	}
	return archs, nil
}

func (r *Registry) updateRepoArch(build registry.Build, arch string) error {
	repoPath := r.repoPath(build.Distribution(), build.Derivative(), arch)
	logger.Debugf("updating metadata of RPM repository %s", repoPath)
	return build.RunCmd("createrepo_c", []string{"--update", repoPath}, nil)
}

// Publish copies a build's .rpm files into their architecture
// repositories and regenerates createrepo_c metadata for each.
func (r *Registry) Publish(build registry.Build, signer registry.Signer) error {
	logger.Infof("publishing RPM packages for %s in distribution %s", build.Artifact(), build.Distribution())

	if err := r.removeDeprecatedRPMs(build); err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(build.Place(), "*.rpm"))
	if err != nil {
		return &ferrors.RuntimeError{Op: "globbing built RPMs", Err: err}
	}

	var archs []string
	for _, rpmPath := range matches {
		published, err := r.publishRPM(build, rpmPath)
		if err != nil {
			return &ferrors.RegistryError{Msg: fmt.Sprintf("publishing %s: %v", rpmPath, err)}
		}
		archs = append(archs, published...)
	}

	for _, arch := range uniqueStrings(archs) {
		if err := r.updateRepoArch(build, arch); err != nil {
			return &ferrors.RegistryError{Msg: fmt.Sprintf("updating repository metadata for %s: %v", arch, err)}
		}
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// removeDeprecatedRPMs deletes older versions of build's source and
// binary packages across every architecture repository before new ones
// are published, matching by source package name.
func (r *Registry) removeDeprecatedRPMs(build registry.Build) error {
	archs := append(append([]string{}, r.Architectures...), "src")
	for _, arch := range archs {
		paths, err := r.packagesPaths(build.Distribution(), build.Derivative(), arch, build.Artifact())
		if err != nil {
			return err
		}
		for _, path := range paths {
			logger.Infof("removing replaced RPM %s", path)
			if _, err := os.Stat(path); err != nil {
				logger.Warnf("replaced RPM file %s not found, unable to delete", path)
				continue
			}
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) packagesPaths(distribution, derivative, architecture, artifactName string) ([]string, error) {
	repoPath := r.repoPath(distribution, derivative, architecture)
	packages, err := loadMetadata(repoPath)
	if err != nil {
		logger.Warnf("unable to load RPM repository metadata in directory %s", repoPath)
		return nil, nil
	}
	var paths []string
	for _, pkg := range packages {
		if (pkg.Arch == "src" && pkg.Name == artifactName) ||
			(pkg.Arch != "src" && sourceRPMName(pkg.SourceRPM) == artifactName) {
			paths = append(paths, filepath.Join(repoPath, pkg.LocationHref))
		}
	}
	return paths, nil
}

// sourceRPMName strips the "-version-release.src.rpm" suffix off a
// binary package's declared source RPM filename.
func sourceRPMName(sourceRPM string) string {
	base := strings.TrimSuffix(sourceRPM, ".src.rpm")
	fields := strings.Split(base, "-")
	if len(fields) < 3 {
		return base
	}
	return strings.Join(fields[:len(fields)-2], "-")
}

// sourceRPMVersion extracts "version-release" from a binary package's
// declared source RPM filename.
func sourceRPMVersion(sourceRPM string) string {
	base := strings.TrimSuffix(sourceRPM, ".src.rpm")
	fields := strings.Split(base, "-")
	if len(fields) < 3 {
		return ""
	}
	return strings.Join(fields[len(fields)-2:], "-")
}

// runCreaterepoUpdate regenerates a repository's metadata directly, used
// by DeleteArtifact which has no registry.Build to route through.
func runCreaterepoUpdate(repoPath string) error {
	cmd := exec.Command("createrepo_c", "--update", repoPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &ferrors.RuntimeError{Op: fmt.Sprintf("createrepo_c --update %s: %s", repoPath, out), Err: err}
	}
	return nil
}

func containsArtifact(artifacts []artifact.Artifact, a artifact.Artifact) bool {
	for _, x := range artifacts {
		if x == a {
			return true
		}
	}
	return false
}

// Artifacts lists every package published under (distribution,
// derivative), across every architecture repository.
func (r *Registry) Artifacts(distribution, derivative string) ([]artifact.Artifact, error) {
	dirs, err := r.availableArchDirs(distribution, derivative)
	if err != nil {
		return nil, err
	}
	var artifacts []artifact.Artifact
	for _, dir := range dirs {
		packages, err := loadMetadata(dir)
		if err != nil {
			logger.Warnf("unable to load RPM repository metadata in directory %s", dir)
			return nil, nil
		}
		for _, pkg := range packages {
			v, err := artifact.ParseVersion(pkg.fullVersion())
			if err != nil {
				return nil, fmt.Errorf("parsing rpm version %q: %w", pkg.fullVersion(), err)
			}
			a := artifact.Artifact{Name: pkg.Name, Arch: pkg.Arch, Version: v}
			if !containsArtifact(artifacts, a) {
				artifacts = append(artifacts, a)
			}
		}
	}
	return artifacts, nil
}

// ArtifactBins lists the binary RPMs generated by srcArtifact.
func (r *Registry) ArtifactBins(distribution, derivative, srcArtifact string) ([]artifact.Artifact, error) {
	dirs, err := r.availableArchDirs(distribution, derivative)
	if err != nil {
		return nil, err
	}
	var artifacts []artifact.Artifact
	for _, dir := range dirs {
		packages, err := loadMetadata(dir)
		if err != nil {
			return nil, err
		}
		for _, pkg := range packages {
			if pkg.Arch == "src" {
				continue
			}
			if sourceRPMName(pkg.SourceRPM) != srcArtifact {
				continue
			}
			v, err := artifact.ParseVersion(pkg.fullVersion())
			if err != nil {
				return nil, fmt.Errorf("parsing rpm version %q: %w", pkg.fullVersion(), err)
			}
			a := artifact.Artifact{Name: pkg.Name, Arch: pkg.Arch, Version: v}
			if !containsArtifact(artifacts, a) {
				artifacts = append(artifacts, a)
			}
		}
	}
	return artifacts, nil
}

// ArtifactSrc returns the source RPM that produced binArtifact.
func (r *Registry) ArtifactSrc(distribution, derivative, binArtifact string) (*artifact.Artifact, error) {
	dirs, err := r.availableArchDirs(distribution, derivative)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		packages, err := loadMetadata(dir)
		if err != nil {
			return nil, err
		}
		for _, pkg := range packages {
			if pkg.Name != binArtifact || pkg.Arch == "src" {
				continue
			}
			v, err := artifact.ParseVersion(sourceRPMVersion(pkg.SourceRPM))
			if err != nil {
				return nil, fmt.Errorf("parsing rpm source version from %q: %w", pkg.SourceRPM, err)
			}
			return &artifact.Artifact{Name: sourceRPMName(pkg.SourceRPM), Arch: "src", Version: v}, nil
		}
	}
	return nil, nil
}

// SourceVersion returns the currently published version of a source
// package, or nil if it is not published.
func (r *Registry) SourceVersion(distribution, derivative, name string) (*artifact.Version, error) {
	repoPath := r.repoPath(distribution, derivative, "src")
	packages, err := loadMetadata(repoPath)
	if err != nil {
		return nil, nil
	}
	for _, pkg := range packages {
		if pkg.Name != name || pkg.Arch != "src" {
			continue
		}
		v, err := artifact.ParseVersion(pkg.fullVersion())
		if err != nil {
			return nil, fmt.Errorf("parsing rpm version %q: %w", pkg.fullVersion(), err)
		}
		return &v, nil
	}
	return nil, nil
}

// Changelog returns the changelog entries of an RPM package, newest
// first.
func (r *Registry) Changelog(distribution, derivative, architecture, name string) ([]artifact.ChangelogEntry, error) {
	repoPath := r.repoPath(distribution, derivative, architecture)
	if _, err := os.Stat(repoPath); err != nil {
		return nil, &ferrors.RegistryError{Msg: fmt.Sprintf(
			"unable to find repository path for architecture %s in distribution %s and derivative %s",
			architecture, distribution, derivative)}
	}
	packages, err := loadMetadata(repoPath)
	if err != nil {
		return nil, err
	}
	for _, pkg := range packages {
		if pkg.Name != name || pkg.Arch != architecture {
			continue
		}
		return convertChangelogs(pkg.Changelogs), nil
	}
	return nil, &ferrors.RegistryError{Msg: fmt.Sprintf(
		"unable to find RPM package %s with architecture %s in distribution %s and derivative %s",
		name, architecture, distribution, derivative)}
}

// DeleteArtifact removes a package file and regenerates repository
// metadata for every architecture it was published to.
func (r *Registry) DeleteArtifact(distribution, derivative string, a artifact.Artifact, signer registry.Signer) error {
	var archs []string
	if a.Arch == "noarch" {
		archs = r.Architectures
	} else {
		archs = []string{a.Arch}
	}

	for _, arch := range archs {
		repoPath := r.repoPath(distribution, derivative, arch)
		packages, err := loadMetadata(repoPath)
		if err != nil {
			return err
		}
		for _, pkg := range packages {
			if pkg.Name != a.Name || pkg.Arch != a.Arch {
				continue
			}
			pkgPath := filepath.Join(repoPath, pkg.LocationHref)
			logger.Infof("deleting RPM package %s", pkgPath)
			if _, err := os.Stat(pkgPath); err != nil {
				logger.Warnf("RPM file %s not found, unable to delete", pkgPath)
				continue
			}
			if err := os.Remove(pkgPath); err != nil {
				return err
			}
		}

		logger.Infof("updating metadata of RPM repository %s", repoPath)
		if err := runCreaterepoUpdate(repoPath); err != nil {
			return err
		}
	}
	return nil
}
