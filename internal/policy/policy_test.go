package policy

import (
	"bufio"
	"strings"
	"testing"
)

const sample = `
[roles]
anonymous =
viewers = alice
builders = bob

[viewers]
actions = view-registry

[builders]
actions = build, @viewers
`

func parseSample(t *testing.T) *Policy {
	t.Helper()
	p, err := Parse(bufio.NewReader(strings.NewReader(sample)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestExpandActionsUnion(t *testing.T) {
	p := parseSample(t)
	actions := p.ExpandActions("builders")
	if !contains(actions, "build") || !contains(actions, "view-registry") {
		t.Errorf("expected builders to include build and view-registry, got %v", actions)
	}
}

func TestValidateUserAction(t *testing.T) {
	p := parseSample(t)
	if !p.ValidateUserAction("bob", "build") {
		t.Errorf("expected bob to be granted build")
	}
	if p.ValidateUserAction("alice", "build") {
		t.Errorf("expected alice to be denied build")
	}
	if !p.ValidateUserAction("alice", "view-registry") {
		t.Errorf("expected alice to be granted view-registry")
	}
}

func TestValidateAnonymousAction(t *testing.T) {
	p := parseSample(t)
	if p.ValidateAnonymousAction("build") {
		t.Errorf("expected anonymous to be denied build")
	}
}

func TestAuthorizeDenialMessage(t *testing.T) {
	p := parseSample(t)
	err := Authorize(p, "", "build")
	if err == nil {
		t.Fatal("expected anonymous build to be denied")
	}
	if !strings.Contains(err.Error(), "build") {
		t.Errorf("expected denial message to include action name, got %q", err.Error())
	}
}
