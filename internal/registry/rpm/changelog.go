package rpm

import (
	"strings"

	"github.com/distr1/fatbuildr/internal/artifact"
)

// convertChangelogs turns createrepo_c's changelog entries (ascending
// date order) into newest-first artifact.ChangelogEntry values, grounded
// on rpm.py's RpmChangelog.entries().
func convertChangelogs(entries []otherChangelog) []artifact.ChangelogEntry {
	result := make([]artifact.ChangelogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		author, version := splitAuthorVersion(entry.Author)
		var changes []string
		for _, line := range strings.Split(entry.Text, "\n") {
			changes = append(changes, sanitizeChangelogLine(line))
		}
		v, err := artifact.ParseVersion(version)
		if err != nil {
			v = artifact.Version{Main: version}
		}
		result = append(result, artifact.ChangelogEntry{
			Version: v,
			Author:  author,
			Date:    entry.Date,
			Changes: changes,
		})
	}
	return result
}

// splitAuthorVersion splits an RPM changelog author field, formatted as
// "Full Name <email> - version-release", on its last " - " separator.
func splitAuthorVersion(field string) (author, version string) {
	idx := strings.LastIndex(field, " - ")
	if idx < 0 {
		return field, ""
	}
	return field[:idx], field[idx+len(" - "):]
}

func sanitizeChangelogLine(line string) string {
	line = strings.TrimPrefix(line, "-")
	return strings.TrimSpace(line)
}
