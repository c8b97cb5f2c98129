package deb

import "testing"

const sampleChangelog = `mypkg (1.2-3) bookworm; urgency=medium

  * Fixed the frobnicator.
  * Updated documentation.

 -- Jane Doe <jane@example.org>  Thu, 01 Jan 2026 12:00:00 +0000

mypkg (1.1-1) bookworm; urgency=low

  * Initial release.

 -- Jane Doe <jane@example.org>  Mon, 01 Dec 2025 09:30:00 +0000
`

func TestParseChangelogEntries(t *testing.T) {
	entries, err := ParseChangelog([]byte(sampleChangelog))
	if err != nil {
		t.Fatalf("ParseChangelog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Version.Main != "1.2" || first.Version.Release != "3" {
		t.Errorf("unexpected first entry version: %+v", first.Version)
	}
	if first.Author != "Jane Doe <jane@example.org>" {
		t.Errorf("unexpected author: %q", first.Author)
	}
	if len(first.Changes) != 2 || first.Changes[0] != "Fixed the frobnicator." {
		t.Errorf("unexpected changes: %v", first.Changes)
	}
	if first.Date == 0 {
		t.Error("expected a non-zero parsed date")
	}

	second := entries[1]
	if second.Version.Main != "1.1" || second.Version.Release != "1" {
		t.Errorf("unexpected second entry version: %+v", second.Version)
	}
}

func TestNormalizeDebVersionStripsEpoch(t *testing.T) {
	if got := normalizeDebVersion("1:2.3-4"); got != "2.3-4" {
		t.Errorf("expected epoch stripped, got %q", got)
	}
	if got := normalizeDebVersion("2.3-4"); got != "2.3-4" {
		t.Errorf("expected unchanged version, got %q", got)
	}
}
