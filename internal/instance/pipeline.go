// Package instance models a Fatbuildr instance: its identity, GPG
// identity, pipeline definition and the filesystem roots (workspaces,
// registry, cache, keyring, token key) that make each instance an
// isolated tenant. Grounded on spec.md §3's Instance/Pipelines data
// model; declarative pipeline definitions arrive as plain Go structs
// (config-file parsing is out of scope) typically populated from the
// on-disk <id>.yml document via gopkg.in/yaml.v3.
package instance

import (
	"fmt"

	"github.com/distr1/fatbuildr/internal/ferrors"
)

// Distribution describes one (format, distribution) pair.
type Distribution struct {
	Name       string
	Tag        string
	Env        string
	Mirror     string
	Components []string
	Modules    []string
}

// Derivative describes one named variant, optionally extending another
// and restricting the set of formats it supports.
type Derivative struct {
	Name    string
	Extends string
	Formats []string
}

// Pipelines is the declarative per-instance pipeline definition: host
// architectures (host arch always first), per-format distributions and
// the derivative tree rooted at "main".
type Pipelines struct {
	Architectures []string
	Formats       map[string][]Distribution
	Derivatives   map[string]Derivative
}

// Validate checks the invariants spec.md §3 requires: distribution names
// unique across formats, and the derivative extends graph acyclic with
// "main" as its root.
func (p *Pipelines) Validate() error {
	seen := map[string]string{}
	for format, dists := range p.Formats {
		for _, d := range dists {
			if owner, ok := seen[d.Name]; ok {
				return &ferrors.PipelineError{Msg: fmt.Sprintf(
					"distribution %q declared in both %q and %q formats", d.Name, owner, format)}
			}
			seen[d.Name] = format
		}
	}

	if _, ok := p.Derivatives["main"]; !ok {
		return &ferrors.PipelineError{Msg: "pipelines must define a \"main\" derivative"}
	}
	for name := range p.Derivatives {
		visited := map[string]bool{}
		cur := name
		for cur != "" {
			if visited[cur] {
				return &ferrors.PipelineError{Msg: fmt.Sprintf(
					"derivative extends graph has a cycle reaching %q", cur)}
			}
			visited[cur] = true
			d, ok := p.Derivatives[cur]
			if !ok {
				return &ferrors.PipelineError{Msg: fmt.Sprintf(
					"derivative %q extends unknown derivative %q", name, cur)}
			}
			cur = d.Extends
		}
	}
	return nil
}

// RecursiveDerivatives returns the chain of derivative names from name up
// to and including "main", used to resolve the recursive list of
// derivatives a build must consider for dependency precedence.
func (p *Pipelines) RecursiveDerivatives(name string) []string {
	var chain []string
	cur := name
	for {
		chain = append(chain, cur)
		d, ok := p.Derivatives[cur]
		if !ok || d.Extends == "" {
			break
		}
		cur = d.Extends
	}
	return chain
}

// SupportedFormats returns the set of formats a derivative supports: its
// own declared formats intersected with every ancestor's.
func (p *Pipelines) SupportedFormats(name string) []string {
	chain := p.RecursiveDerivatives(name)
	var result []string
	for i, dn := range chain {
		d := p.Derivatives[dn]
		if i == 0 {
			result = append([]string{}, d.Formats...)
			continue
		}
		result = intersect(result, d.Formats)
	}
	return result
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, x := range b {
		set[x] = true
	}
	var out []string
	for _, x := range a {
		if set[x] {
			out = append(out, x)
		}
	}
	return out
}

// DistEnv returns the build environment name configured for a
// distribution, regardless of which format declared it.
func (p *Pipelines) DistEnv(distribution string) (string, error) {
	for _, dists := range p.Formats {
		for _, d := range dists {
			if d.Name == distribution {
				return d.Env, nil
			}
		}
	}
	return "", fmt.Errorf("unknown distribution %q", distribution)
}

// GPGIdentity is the instance's signing identity: name and email combine
// into the single UID carried by the keyring's master key.
type GPGIdentity struct {
	Name  string
	Email string
}

// UID renders the GPG user id "name <email>".
func (g GPGIdentity) UID() string {
	return fmt.Sprintf("%s <%s>", g.Name, g.Email)
}

// Config is the per-instance configuration populated by whatever external
// collaborator parses on-disk instance definitions (out of scope here).
type Config struct {
	ID             string
	Name           string
	GPG            GPGIdentity
	Pipelines      Pipelines
	WorkspacesRoot string
	RegistryRoot   string
	CacheRoot      string
	KeyringRoot    string
	TokensRoot     string
	ImagesRoot     string
}
