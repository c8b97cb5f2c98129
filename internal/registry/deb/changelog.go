package deb

import (
	"bufio"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/distr1/fatbuildr/internal/artifact"
)

// headerRe matches a debian/changelog entry's first line:
// "package (version) distribution; urgency=X".
var headerRe = regexp.MustCompile(`^(\S+) \(([^)]+)\) ([^;]+);`)

// trailerRe matches a debian/changelog entry's closing line:
// " -- Maintainer Name <email>  Thu, 01 Jan 2026 00:00:00 +0000".
var trailerRe = regexp.MustCompile(`^ -- (.+) <(.+)>  (.+)$`)

// ParseChangelog parses a debian/changelog document, grounded on
// python-debian's changelog.Changelog block structure, returning entries
// newest first as the file itself orders them. No deb822/changelog
// library exists in the example pack's Go dependency surface; the
// format's block grammar (header, indented bullets, trailer) is simple
// enough to scan line by line against the standard library.
func ParseChangelog(content []byte) ([]artifact.ChangelogEntry, error) {
	var entries []artifact.ChangelogEntry

	var version, author string
	var date int64
	var changes []string
	inBlock := false

	flush := func() {
		if inBlock {
			entries = append(entries, artifact.ChangelogEntry{
				Version: mustParseChangelogVersion(version),
				Author:  author,
				Date:    date,
				Changes: changes,
			})
		}
		inBlock = false
		changes = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			inBlock = true
			version = m[2]
			author = ""
			date = 0
			continue
		}
		if m := trailerRe.FindStringSubmatch(line); m != nil {
			author = fmt.Sprintf("%s <%s>", m[1], m[2])
			if t, err := mail.ParseDate(strings.TrimSpace(m[3])); err == nil {
				date = t.Unix()
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !inBlock {
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "* ")
		changes = append(changes, trimmed)
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning changelog: %w", err)
	}
	return entries, nil
}

func mustParseChangelogVersion(s string) artifact.Version {
	v, err := artifact.ParseVersion(normalizeDebVersion(s))
	if err != nil {
		// Fall back to an unparsed Main so a malformed changelog entry
		// still surfaces with its raw version string rather than
		// aborting the whole changelog.
		return artifact.Version{Main: s}
	}
	return v
}

// normalizeDebVersion strips a leading Debian epoch ("1:2.3-4" ->
// "2.3-4"); Fatbuildr's own grammar has no epoch component.
func normalizeDebVersion(s string) string {
	if idx := strings.IndexByte(s, ':'); idx > -1 {
		return s[idx+1:]
	}
	return s
}
