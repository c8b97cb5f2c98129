package deb822

import "testing"

func TestParseAndString(t *testing.T) {
	input := "Author: Jane Doe <jane@example.org>\nDescription: fixes a thing\n multi-line continuation\nForwarded: no\n"
	p, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := p.Get("Author"); !ok || v != "Jane Doe <jane@example.org>" {
		t.Errorf("unexpected Author %q, ok=%v", v, ok)
	}
	desc, ok := p.Get("Description")
	if !ok || desc != "fixes a thing\nmulti-line continuation" {
		t.Errorf("unexpected Description %q", desc)
	}
	if !p.Has("Forwarded") {
		t.Error("expected Forwarded field")
	}
}

func TestSetDelPreservesOrder(t *testing.T) {
	p := New()
	p.Set("B", "2")
	p.Set("A", "1")
	p.Set("B", "2-updated")

	out := p.String()
	want := "B: 2-updated\nA: 1\n"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}

	p.Del("B")
	out = p.String()
	want = "A: 1\n"
	if out != want {
		t.Errorf("after delete expected %q, got %q", want, out)
	}
}

func TestDelUnknownKeyNoop(t *testing.T) {
	p := New()
	p.Set("A", "1")
	p.Del("Nonexistent")
	if p.String() != "A: 1\n" {
		t.Errorf("unexpected mutation after deleting unknown key: %q", p.String())
	}
}
