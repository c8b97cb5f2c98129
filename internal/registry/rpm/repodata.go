// Package rpm implements the RPM format registry backend: a yum/dnf
// repository with createrepo_c-compatible repodata, grounded on
// original_source/fatbuildr/registry/formats/rpm.py.
//
// createrepo_c is a Python C-extension library with no Go binding
// anywhere in the example pack, so repository metadata is read directly
// off disk: repomd.xml points at primary.xml.gz (package inventory) and
// other.xml.gz (changelogs), both parsed with the standard library's
// encoding/xml against the documented createrepo_c repodata schema.
// Metadata is still written by shelling out to createrepo_c(1) itself
// (internal/registry/rpm/rpm.go's Publish/DeleteArtifact), since
// reimplementing repository index generation natively is out of scope.
package rpm

import (
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type repomd struct {
	XMLName xml.Name    `xml:"repomd"`
	Data    []repomdata `xml:"data"`
}

type repomdata struct {
	Type     string         `xml:"type,attr"`
	Location repomdLocation `xml:"location"`
}

type repomdLocation struct {
	Href string `xml:"href,attr"`
}

func (r repomd) location(kind string) (string, bool) {
	for _, d := range r.Data {
		if d.Type == kind {
			return d.Location.Href, true
		}
	}
	return "", false
}

type primaryMetadata struct {
	XMLName  xml.Name         `xml:"metadata"`
	Packages []primaryPackage `xml:"package"`
}

type primaryPackage struct {
	Name     string         `xml:"name"`
	Arch     string         `xml:"arch"`
	Version  packageVersion `xml:"version"`
	Checksum packageCksum   `xml:"checksum"`
	Location packageLoc     `xml:"location"`
	Format   packageFormat  `xml:"format"`
}

type packageVersion struct {
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

type packageCksum struct {
	PkgID string `xml:",chardata"`
}

type packageLoc struct {
	Href string `xml:"href,attr"`
}

type packageFormat struct {
	SourceRPM string `xml:"sourcerpm"`
}

type otherMetadata struct {
	XMLName  xml.Name       `xml:"otherdata"`
	Packages []otherPackage `xml:"package"`
}

type otherPackage struct {
	PkgID      string           `xml:"pkgid,attr"`
	Name       string           `xml:"name,attr"`
	Arch       string           `xml:"arch,attr"`
	Changelogs []otherChangelog `xml:"changelog"`
}

type otherChangelog struct {
	Author string `xml:"author,attr"`
	Date   int64  `xml:"date,attr"`
	Text   string `xml:",chardata"`
}

// rpmPackage is the denormalized view over one primary+other package
// entry that Registry's query methods consume.
type rpmPackage struct {
	Name         string
	Arch         string
	Version      string
	Release      string
	SourceRPM    string
	LocationHref string
	Changelogs   []otherChangelog
}

func (p rpmPackage) fullVersion() string { return p.Version + "-" + p.Release }

// loadMetadata reads repomd.xml under repoPath/repodata and returns
// every package described by primary.xml.gz, with changelog entries
// joined in from other.xml.gz keyed by pkgid. Returns an empty,
// non-error result if the repository has no repodata yet (an empty
// repository, mirroring createrepo_c's own OSError-on-missing-metadata
// behavior being treated as "no packages" by the original).
func loadMetadata(repoPath string) ([]rpmPackage, error) {
	repomdPath := filepath.Join(repoPath, "repodata", "repomd.xml")
	if _, err := os.Stat(repomdPath); os.IsNotExist(err) {
		return nil, nil
	}

	var rm repomd
	if err := decodeXMLFile(repomdPath, &rm); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", repomdPath, err)
	}

	primaryHref, ok := rm.location("primary")
	if !ok {
		return nil, fmt.Errorf("%s has no primary data entry", repomdPath)
	}
	var primary primaryMetadata
	if err := decodeCompressedXMLFile(filepath.Join(repoPath, primaryHref), &primary); err != nil {
		return nil, fmt.Errorf("parsing primary metadata: %w", err)
	}

	changelogsByID := map[string][]otherChangelog{}
	if otherHref, ok := rm.location("other"); ok {
		var other otherMetadata
		if err := decodeCompressedXMLFile(filepath.Join(repoPath, otherHref), &other); err != nil {
			return nil, fmt.Errorf("parsing other metadata: %w", err)
		}
		for _, pkg := range other.Packages {
			changelogsByID[pkg.PkgID] = pkg.Changelogs
		}
	}

	packages := make([]rpmPackage, 0, len(primary.Packages))
	for _, pkg := range primary.Packages {
		packages = append(packages, rpmPackage{
			Name:         pkg.Name,
			Arch:         pkg.Arch,
			Version:      pkg.Version.Ver,
			Release:      pkg.Version.Rel,
			SourceRPM:    pkg.Format.SourceRPM,
			LocationHref: pkg.Location.Href,
			Changelogs:   changelogsByID[pkg.Checksum.PkgID],
		})
	}
	return packages, nil
}

func decodeXMLFile(path string, v any) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return xml.NewDecoder(fh).Decode(v)
}

func decodeCompressedXMLFile(path string, v any) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	var r io.Reader = fh
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(fh)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}
	return xml.NewDecoder(r).Decode(v)
}
