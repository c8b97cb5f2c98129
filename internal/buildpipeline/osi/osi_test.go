package osi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/fatbuildr/internal/buildpipeline"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/registry"
	"github.com/distr1/fatbuildr/internal/tasks"
)

func TestTaskRunFailsWithoutDefinitionFile(t *testing.T) {
	place := t.TempDir()
	req := buildpipeline.Request{Format: registry.OSI, Artifact: "hello"}
	task := NewTask("id1", "build", "tester", place, req, instance.Pipelines{}, nil, nil, nil)

	// Prepare is skipped deliberately: build() itself must fail fast when
	// the artifact never shipped an osi/<artifact>.mkosi definition,
	// rather than shelling out to mkosi against a missing file.
	if err := task.build(); err == nil {
		t.Fatal("expected build() to fail without a definition file")
	}
}

func TestTaskSatisfiesTaskAndBuildInterfaces(t *testing.T) {
	place := t.TempDir()
	if err := os.MkdirAll(filepath.Join(place, "osi"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	req := buildpipeline.Request{Format: registry.OSI, Artifact: "hello", Distribution: "trixie"}
	task := NewTask("id1", "build", "tester", place, req, instance.Pipelines{}, nil, nil, nil)

	var _ tasks.Task = task
	var _ registry.Build = task

	if got, want := task.HistID(), "osi:trixie:hello"; got != want {
		t.Errorf("HistID() = %q, want %q", got, want)
	}
}
