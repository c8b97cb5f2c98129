// Package registry defines the per-format registry abstraction shared by
// internal/registry/{deb,rpm,osi}, grounded on
// original_source/fatbuildr/registry/formats/__init__.py's Registry base
// class plus spec.md §4.7.
package registry

import "github.com/distr1/fatbuildr/internal/artifact"

// Build is the subset of a running build a registry backend needs to
// publish its outputs: where the built files live, which
// (distribution, derivative) they target, and how to run an external
// command (reprepro/createrepo_c/...). Kept decoupled from
// internal/tasks the same way internal/image.Runner is, so the registry
// package never imports the not-yet-built task engine.
type Build interface {
	Artifact() string
	Distribution() string
	Derivative() string
	Place() string
	RunCmd(name string, args []string, env map[string]string) error
}

// Signer is the subset of the instance keyring a publish/delete
// operation needs: the GNUPGHOME to export to signing subprocesses, the
// subkey fingerprint for templated configuration, and the ability to
// ensure gpg-agent already holds the passphrase before a signing
// operation blocks on it. Named GnupgHome/SubkeyFingerprint rather than
// Homedir/Fingerprint because internal/keyring.Keyring already exposes
// those as public fields of the same name.
type Signer interface {
	GnupgHome() string
	SubkeyFingerprint() string
	LoadAgent() error
}

// Registry is the per-format registry backend: publish, query and
// delete operations over one instance's artifact tree.
type Registry interface {
	// Exists reports whether the registry's root directory is present.
	Exists() bool
	// Distributions lists the distributions currently published.
	Distributions() ([]string, error)
	// Derivatives lists the derivatives published under distribution.
	Derivatives(distribution string) ([]string, error)
	// Publish imports a completed build's outputs into the registry.
	Publish(build Build, signer Signer) error
	// Artifacts lists every artifact published under
	// (distribution, derivative).
	Artifacts(distribution, derivative string) ([]artifact.Artifact, error)
	// ArtifactBins lists the binary artifacts produced by a source
	// artifact.
	ArtifactBins(distribution, derivative, srcArtifact string) ([]artifact.Artifact, error)
	// ArtifactSrc returns the source artifact that produced a binary
	// artifact.
	ArtifactSrc(distribution, derivative, binArtifact string) (*artifact.Artifact, error)
	// SourceVersion returns the currently published version of a source
	// artifact, or nil if it is not published.
	SourceVersion(distribution, derivative, artifactName string) (*artifact.Version, error)
	// Changelog returns the changelog entries of an artifact, newest
	// first.
	Changelog(distribution, derivative, architecture, artifactName string) ([]artifact.ChangelogEntry, error)
	// DeleteArtifact removes a published artifact.
	DeleteArtifact(distribution, derivative string, art artifact.Artifact, signer Signer) error
}
