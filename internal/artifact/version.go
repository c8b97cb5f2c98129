// Package artifact implements the artifact definition data model: version
// parsing (grammar in SPEC_FULL.md §6.4) and the typed meta.yml view used
// by the build pipeline. Version parsing follows the teacher's own
// version.go idiom (a parsed value type with a String() round-trip and a
// table-driven test), generalized from distri's filename grammar to
// Fatbuildr's "main-release[.dist][+buildN]" grammar.
package artifact

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed artifact version: main-release[.dist][+buildN].
// Equality ignores Build.
type Version struct {
	Main    string
	Release string
	Dist    string
	Build   int64
}

// Full renders the version back into its canonical string form. For any
// well-formed v, ParseVersion(v).Full() == v (property 2).
func (v Version) Full() string {
	var b strings.Builder
	b.WriteString(v.Main)
	b.WriteByte('-')
	b.WriteString(v.FullRelease())
	return b.String()
}

// FullRelease renders the release component alone, including any .dist
// suffix and +buildN suffix.
func (v Version) FullRelease() string {
	var b strings.Builder
	b.WriteString(v.Release)
	if v.Dist != "" {
		b.WriteByte('.')
		b.WriteString(v.Dist)
	}
	if v.Build > 0 {
		b.WriteString("+build")
		b.WriteString(strconv.FormatInt(v.Build, 10))
	}
	return b.String()
}

// Major returns the leading numeric component of Main (e.g. "2" for
// "2.27.1"), or Main itself if it has no dot.
func (v Version) Major() string {
	if idx := strings.IndexByte(v.Main, '.'); idx > -1 {
		return v.Main[:idx]
	}
	return v.Main
}

// Equal compares two versions ignoring Build, per the data model
// invariant that republishing differs only in the build counter.
func (v Version) Equal(o Version) bool {
	return v.Main == o.Main && v.Release == o.Release && v.Dist == o.Dist
}

func (v Version) String() string { return v.Full() }

// ParseVersion parses "main-release[.dist][+buildN]" per SPEC_FULL.md
// §6.4. The main component is everything up to the last '-'; splitting on
// the last hyphen (not the first) matches upstream versions that
// themselves contain hyphens (e.g. "pkg-a-b-1.0-3").
func ParseVersion(s string) (Version, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 0 {
		return Version{}, fmt.Errorf("artifact version %q: missing release separator '-'", s)
	}
	main := s[:idx]
	release := s[idx+1:]
	if main == "" || release == "" {
		return Version{}, fmt.Errorf("artifact version %q: empty main or release component", s)
	}

	var build int64
	if bidx := strings.Index(release, "+build"); bidx > -1 {
		n, err := strconv.ParseInt(release[bidx+len("+build"):], 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("artifact version %q: bad build suffix: %w", s, err)
		}
		build = n
		release = release[:bidx]
	}

	dist := ""
	releaseCore := release
	if didx := strings.IndexByte(release, '.'); didx > -1 {
		releaseCore = release[:didx]
		dist = release[didx+1:]
	}

	return Version{Main: main, Release: releaseCore, Dist: dist, Build: build}, nil
}
