// Package deb implements the Deb format registry backend: an APT
// repository managed through reprepro(1), grounded on
// original_source/fatbuildr/registry/formats/deb.py.
package deb

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/deb822"
	"github.com/distr1/fatbuildr/internal/ferrors"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
	"github.com/distr1/fatbuildr/internal/templating"
)

var logger = logging.Logr("registry/deb")

// Registry manages a reprepro-backed APT repository for one instance.
type Registry struct {
	// Path is the registry's deb root (<registry>/<instance>/deb).
	Path string
	// DistributionsTemplate is the reprepro conf/distributions Go
	// template content; DefaultDistributionsTemplate is used when empty.
	DistributionsTemplate string
	// Architectures is the instance pipeline's normalized architecture
	// list, used to populate the generated distributions file.
	Architectures []string
	// Instance is the instance name, substituted into the distributions
	// template as the repository origin.
	Instance string

	archmap registryArchMap
}

type registryArchMap interface {
	Native(normalized string) (string, error)
	Normalized(native string) (string, error)
}

// New returns a Deb registry backend rooted at path.
func New(path, distributionsTemplate, instance string, architectures []string, archmap registryArchMap) *Registry {
	return &Registry{
		Path:                  path,
		DistributionsTemplate: distributionsTemplate,
		Architectures:         architectures,
		Instance:              instance,
		archmap:               archmap,
	}
}

func (r *Registry) distsConf() string { return filepath.Join(r.Path, "conf", "distributions") }

// DefaultDistributionsTemplate is the reprepro conf/distributions
// template used when a Registry is not configured with its own, one
// stanza per distribution, adapted from reprepro's own documented
// conf/distributions grammar.
const DefaultDistributionsTemplate = `{{range .Distributions}}Origin: {{$.Instance}}
Label: {{$.Instance}}
Codename: {{.}}
Architectures: {{$.Architectures}}
Components: {{$.Components}}
SignWith: {{$.Key}}
Description: {{$.Instance}} {{.}} repository

{{end}}`

func templateDistributions(template string, distributions, architectures, components []string, key, instance string) (string, error) {
	if template == "" {
		template = DefaultDistributionsTemplate
	}
	return templating.SRender(template, map[string]any{
		"Distributions": distributions,
		"Architectures": strings.Join(architectures, " "),
		"Components":    strings.Join(components, " "),
		"Key":           key,
		"Instance":      instance,
	})
}

// Exists reports whether the registry's distributions file is present.
func (r *Registry) Exists() bool {
	_, err := os.Stat(r.distsConf())
	return err == nil
}

// Distributions lists the distributions published under dists/.
func (r *Registry) Distributions() ([]string, error) {
	return listDirNames(filepath.Join(r.Path, "dists"))
}

// Components lists the components (derivatives) published under pool/.
func (r *Registry) Components() ([]string, error) {
	return listDirNames(filepath.Join(r.Path, "pool"))
}

// Derivatives returns the components published in the repository; Deb
// does not scope components per distribution.
func (r *Registry) Derivatives(distribution string) ([]string, error) {
	return r.Components()
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

func uniqueStrings(slices ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range slices {
		for _, v := range s {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// Publish regenerates the reprepro distributions file and imports build's
// changes files into the repository.
func (r *Registry) Publish(build registry.Build, signer registry.Signer) error {
	logger.Infof("publishing deb packages for %s in distribution %s", build.Artifact(), build.Distribution())

	distributions, err := r.Distributions()
	if err != nil {
		return &ferrors.RegistryError{Msg: fmt.Sprintf("listing distributions: %v", err)}
	}
	components, err := r.Components()
	if err != nil {
		return &ferrors.RegistryError{Msg: fmt.Sprintf("listing components: %v", err)}
	}

	var natives []string
	for _, arch := range r.Architectures {
		n, err := r.archmap.Native(arch)
		if err != nil {
			return &ferrors.RegistryError{Msg: err.Error()}
		}
		natives = append(natives, n)
	}

	if err := os.MkdirAll(filepath.Dir(r.distsConf()), 0o755); err != nil {
		return &ferrors.RuntimeError{Op: "create deb registry conf directory", Err: err}
	}

	rendered, err := templateDistributions(
		r.DistributionsTemplate,
		uniqueStrings(distributions, []string{build.Distribution()}),
		natives,
		uniqueStrings(components, []string{build.Derivative()}),
		signer.SubkeyFingerprint(),
		r.Instance,
	)
	if err != nil {
		return &ferrors.RegistryError{Msg: fmt.Sprintf("rendering distributions template: %v", err)}
	}
	if err := os.WriteFile(r.distsConf(), []byte(rendered), 0o644); err != nil {
		return &ferrors.RuntimeError{Op: "write deb registry distributions file", Err: err}
	}

	if err := signer.LoadAgent(); err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(build.Place(), "*.changes"))
	if err != nil {
		return &ferrors.RuntimeError{Op: "globbing changes files", Err: err}
	}
	for _, changesPath := range matches {
		if strings.HasSuffix(changesPath, "_source.changes") {
			continue
		}
		logger.Debugf("publishing deb changes file %s", changesPath)
		if err := build.RunCmd(
			"reprepro",
			[]string{"--verbose", "--basedir", r.Path, "--component", build.Derivative(), "include", build.Distribution(), changesPath},
			map[string]string{"GNUPGHOME": signer.GnupgHome()},
		); err != nil {
			return &ferrors.RegistryError{Msg: fmt.Sprintf("reprepro include %s: %v", changesPath, err)}
		}
	}
	return nil
}

// reprepro runs reprepro in this registry's basedir and returns its
// captured stdout.
func (r *Registry) reprepro(args ...string) ([]byte, error) {
	full := append([]string{"--basedir", r.Path}, args...)
	cmd := exec.Command("reprepro", full...)
	logger.Debugf("running: reprepro %s", strings.Join(full, " "))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reprepro %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func repreproLines(out []byte) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func containsArtifact(artifacts []artifact.Artifact, a artifact.Artifact) bool {
	for _, x := range artifacts {
		if x == a {
			return true
		}
	}
	return false
}

// Artifacts lists every artifact published in (distribution, derivative).
func (r *Registry) Artifacts(distribution, derivative string) ([]artifact.Artifact, error) {
	if !r.Exists() {
		return nil, nil
	}
	out, err := r.reprepro(
		"--component", derivative,
		"--list-format", "${package}|${Architecture}|${$architecture}|${version}",
		"list", distribution,
	)
	if err != nil {
		return nil, err
	}
	var artifacts []artifact.Artifact
	for _, line := range repreproLines(out) {
		fields := strings.Split(line, "|")
		if len(fields) != 4 {
			continue
		}
		name, arch, locarch, version := fields[0], fields[1], fields[2], fields[3]
		native := arch
		if locarch == "source" {
			native = locarch
		}
		normalized, err := r.archmap.Normalized(native)
		if err != nil {
			return nil, err
		}
		v, err := artifact.ParseVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parsing deb version %q: %w", version, err)
		}
		a := artifact.Artifact{Name: name, Arch: normalized, Version: v}
		if !containsArtifact(artifacts, a) {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

// ArtifactBins lists the binary packages generated by srcArtifact.
func (r *Registry) ArtifactBins(distribution, derivative, srcArtifact string) ([]artifact.Artifact, error) {
	out, err := r.reprepro(
		"--component", derivative,
		"--list-format", "${package}|${Architecture}|${$architecture}|${$source}|${version}",
		"list", distribution,
	)
	if err != nil {
		return nil, err
	}
	var artifacts []artifact.Artifact
	for _, line := range repreproLines(out) {
		fields := strings.Split(line, "|")
		if len(fields) != 5 {
			continue
		}
		name, arch, locarch, source, version := fields[0], fields[1], fields[2], fields[3], fields[4]
		if locarch == "source" || source != srcArtifact {
			continue
		}
		normalized, err := r.archmap.Normalized(arch)
		if err != nil {
			return nil, err
		}
		v, err := artifact.ParseVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parsing deb version %q: %w", version, err)
		}
		a := artifact.Artifact{Name: name, Arch: normalized, Version: v}
		if !containsArtifact(artifacts, a) {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

// ArtifactSrc returns the source package that produced binArtifact.
func (r *Registry) ArtifactSrc(distribution, derivative, binArtifact string) (*artifact.Artifact, error) {
	out, err := r.reprepro(
		"--component", derivative,
		"--list-format", "${$architecture}|${$source}|${version}",
		"list", distribution, binArtifact,
	)
	if err != nil {
		return nil, err
	}
	for _, line := range repreproLines(out) {
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			continue
		}
		locarch, source, version := fields[0], fields[1], fields[2]
		if locarch == "source" {
			continue
		}
		v, err := artifact.ParseVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parsing deb version %q: %w", version, err)
		}
		return &artifact.Artifact{Name: source, Arch: "src", Version: v}, nil
	}
	return nil, nil
}

// SourceVersion returns the currently published version of a source
// package, or nil if it is not published.
func (r *Registry) SourceVersion(distribution, derivative, name string) (*artifact.Version, error) {
	if !r.Exists() {
		return nil, nil
	}
	dists, err := r.Distributions()
	if err != nil {
		return nil, err
	}
	if !stringsContain(dists, distribution) {
		return nil, nil
	}
	derivatives, err := r.Derivatives(distribution)
	if err != nil {
		return nil, err
	}
	if !stringsContain(derivatives, derivative) {
		return nil, nil
	}

	out, err := r.reprepro(
		"--component", derivative,
		"--list-format", "${$architecture}|${version}",
		"list", distribution, name,
	)
	if err != nil {
		return nil, err
	}
	for _, line := range repreproLines(out) {
		fields := strings.Split(line, "|")
		if len(fields) != 2 {
			continue
		}
		locarch, version := fields[0], fields[1]
		if locarch != "source" {
			continue
		}
		v, err := artifact.ParseVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parsing deb version %q: %w", version, err)
		}
		return &v, nil
	}
	return nil, nil
}

func stringsContain(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func (r *Registry) packageDscPath(distribution, derivative, srcArtifact string) (string, error) {
	out, err := r.reprepro(
		"--component", derivative,
		"--list-format", "${$architecture}|${$fullfilename}",
		"list", distribution, srcArtifact,
	)
	if err != nil {
		return "", err
	}
	for _, line := range repreproLines(out) {
		fields := strings.Split(line, "|")
		if len(fields) != 2 {
			continue
		}
		if fields[0] != "source" {
			continue
		}
		return fields[1], nil
	}
	return "", fmt.Errorf("unable to find dsc path for deb source package %s", srcArtifact)
}

func (r *Registry) packageDebPath(distribution, derivative, architecture, binArtifact string) (string, error) {
	native, err := r.archmap.Native(architecture)
	if err != nil {
		return "", err
	}
	out, err := r.reprepro(
		"--component", derivative,
		"--list-format", "${Architecture}|${$fullfilename}",
		"list", distribution, binArtifact,
	)
	if err != nil {
		return "", err
	}
	for _, line := range repreproLines(out) {
		fields := strings.Split(line, "|")
		if len(fields) != 2 {
			continue
		}
		if fields[0] != native {
			continue
		}
		return fields[1], nil
	}
	return "", fmt.Errorf("unable to find deb path for deb binary package %s", binArtifact)
}

// debianArchivePath parses a .dsc file's Files field and returns the
// path of the non-orig source archive it references, which carries the
// debian/changelog file.
func debianArchivePath(dscPath string) (string, error) {
	content, err := os.ReadFile(dscPath)
	if err != nil {
		return "", err
	}
	para, err := deb822.Parse(content)
	if err != nil {
		return "", fmt.Errorf("parsing dsc %s: %w", dscPath, err)
	}
	files, ok := para.Get("Files")
	if !ok {
		return "", fmt.Errorf("dsc %s has no Files field", dscPath)
	}
	for _, line := range strings.Split(files, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[len(fields)-1]
		if strings.Contains(name, ".orig.") {
			continue
		}
		return filepath.Join(filepath.Dir(dscPath), name), nil
	}
	return "", fmt.Errorf("unable to locate debian archive in dsc %s", dscPath)
}

func (r *Registry) sourceChangelog(distribution, derivative, srcArtifact string) ([]artifact.ChangelogEntry, error) {
	dscPath, err := r.packageDscPath(distribution, derivative, srcArtifact)
	if err != nil {
		return nil, err
	}
	archPath, err := debianArchivePath(dscPath)
	if err != nil {
		return nil, err
	}
	content, err := extractDebianChangelog(archPath)
	if err != nil {
		return nil, err
	}
	return ParseChangelog(content)
}

func (r *Registry) binChangelog(distribution, derivative, architecture, binArtifact string) ([]artifact.ChangelogEntry, error) {
	debPath, err := r.packageDebPath(distribution, derivative, architecture, binArtifact)
	if err != nil {
		return nil, err
	}
	content, err := extractDebChangelog(debPath)
	if err != nil {
		return nil, err
	}
	return ParseChangelog(content)
}

// Changelog returns the changelog entries of an artifact, newest first.
func (r *Registry) Changelog(distribution, derivative, architecture, name string) ([]artifact.ChangelogEntry, error) {
	if architecture == "src" {
		return r.sourceChangelog(distribution, derivative, name)
	}
	return r.binChangelog(distribution, derivative, architecture, name)
}

// DeleteArtifact removes a published package, expanding a noarch
// architecture to every pipeline architecture since reprepro duplicates
// architecture-independent packages across them.
func (r *Registry) DeleteArtifact(distribution, derivative string, a artifact.Artifact, signer registry.Signer) error {
	if err := signer.LoadAgent(); err != nil {
		return err
	}
	var archs string
	if a.Arch == "noarch" {
		var natives []string
		for _, arch := range r.Architectures {
			n, err := r.archmap.Native(arch)
			if err != nil {
				return err
			}
			natives = append(natives, n)
		}
		archs = strings.Join(natives, "|")
	} else {
		n, err := r.archmap.Native(a.Arch)
		if err != nil {
			return err
		}
		archs = n
	}
	full := []string{"--basedir", r.Path, "--component", derivative, "--architecture", archs, "remove", distribution, a.Name}
	cmd := exec.Command("reprepro", full...)
	cmd.Env = append(os.Environ(), "GNUPGHOME="+signer.GnupgHome())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reprepro remove %s: %w: %s", a.Name, err, stderr.String())
	}
	return nil
}
