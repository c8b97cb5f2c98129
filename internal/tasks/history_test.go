package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestHistoryManagerSaveAndDumpRoundTrip(t *testing.T) {
	workspaces := t.TempDir()
	manager, err := NewManager("inst", "Instance", workspaces, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	history := NewHistoryManager(workspaces, manager, genericTestHistID)

	place := filepath.Join(workspaces, "task-1")
	if err := os.MkdirAll(place, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	task := newStubTask("task-1")
	task.taskPlace = place
	task.state = "success"
	if err := history.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	archived, err := history.Dump(0, false)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("Dump returned %d entries, want 1", len(archived))
	}
	if archived[0].ID() != "task-1" {
		t.Errorf("archived id = %q, want %q", archived[0].ID(), "task-1")
	}
	if archived[0].Name() != "stub" {
		t.Errorf("archived name = %q, want %q", archived[0].Name(), "stub")
	}
}

func TestHistoryManagerDumpSkipsQueuedTasks(t *testing.T) {
	workspaces := t.TempDir()
	manager, err := NewManager("inst", "Instance", workspaces, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	history := NewHistoryManager(workspaces, manager, genericTestHistID)

	queuedPlace := filepath.Join(workspaces, "queued")
	if err := os.MkdirAll(queuedPlace, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	queued := newStubTask("queued")
	queued.taskPlace = queuedPlace
	manager.queue.Put(queued)
	if err := history.SaveTask(queued); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	finishedPlace := filepath.Join(workspaces, "finished")
	if err := os.MkdirAll(finishedPlace, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	finished := newStubTask("finished")
	finished.taskPlace = finishedPlace
	if err := history.SaveTask(finished); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	archived, err := history.Dump(0, false)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	var ids []string
	for _, a := range archived {
		ids = append(ids, a.ID())
	}
	if diff := cmp.Diff([]string{"finished"}, ids, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("unexpected archived ids (-want +got):\n%s", diff)
	}
}

func genericTestHistID(name string, extra map[string]string) string { return name }
