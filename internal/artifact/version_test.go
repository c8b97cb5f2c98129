package artifact

import "testing"

func TestParseVersionRoundTrip(t *testing.T) {
	cases := []string{
		"1.2.3-1",
		"1.2.3-1.bookworm",
		"1.2.3-1+build4",
		"1.2.3-1.el9+build12",
		"pkg-with-dashes-2.0-3",
	}
	for _, v := range cases {
		parsed, err := ParseVersion(v)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", v, err)
		}
		if got := parsed.Full(); got != v {
			t.Errorf("ParseVersion(%q).Full() = %q, want %q", v, got, v)
		}
	}
}

func TestVersionEqualIgnoresBuild(t *testing.T) {
	a, _ := ParseVersion("1.2.3-1+build1")
	b, _ := ParseVersion("1.2.3-1+build2")
	if !a.Equal(b) {
		t.Errorf("expected versions differing only in build to be Equal")
	}
	c, _ := ParseVersion("1.2.3-2")
	if a.Equal(c) {
		t.Errorf("expected versions with different release to not be Equal")
	}
}

func TestParseVersionRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "noseparator", "-1", "1.2.3-"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) expected error, got nil", bad)
		}
	}
}
