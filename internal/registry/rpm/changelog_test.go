package rpm

import "testing"

func TestConvertChangelogsReversesToNewestFirst(t *testing.T) {
	entries := []otherChangelog{
		{Author: "Jane Doe <jane@example.org> - 1.0-1", Date: 100, Text: "- initial release"},
		{Author: "John Roe <john@example.org> - 1.1-1", Date: 200, Text: "- fix bug\n-second line"},
	}

	got := convertChangelogs(entries)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Author != "John Roe <john@example.org>" {
		t.Errorf("expected newest entry first, got author %q", got[0].Author)
	}
	if got[0].Version.Main != "1.1" || got[0].Version.Release != "1" {
		t.Errorf("unexpected version: %+v", got[0].Version)
	}
	if got[1].Author != "Jane Doe <jane@example.org>" {
		t.Errorf("expected oldest entry last, got author %q", got[1].Author)
	}
	if len(got[0].Changes) != 2 || got[0].Changes[0] != "fix bug" || got[0].Changes[1] != "second line" {
		t.Errorf("unexpected sanitized changes: %+v", got[0].Changes)
	}
}

func TestSplitAuthorVersionNoSeparator(t *testing.T) {
	author, version := splitAuthorVersion("Jane Doe <jane@example.org>")
	if author != "Jane Doe <jane@example.org>" || version != "" {
		t.Errorf("expected empty version when no separator present, got %q/%q", author, version)
	}
}

func TestSanitizeChangelogLineStripsDashBeforeTrim(t *testing.T) {
	// A dash preceded by whitespace is not a leading bullet marker in the
	// original's ordering (startswith('-') is checked before stripping),
	// so it is preserved.
	if got := sanitizeChangelogLine("  -leading dash with spaces"); got != "-leading dash with spaces" {
		t.Errorf("got %q", got)
	}
	if got := sanitizeChangelogLine("-no leading spaces"); got != "no leading spaces" {
		t.Errorf("got %q", got)
	}
}
