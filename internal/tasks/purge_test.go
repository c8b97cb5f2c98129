package tasks

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mkArchived(t *testing.T, dir, id, histID string, submission time.Time, payload []byte) *ArchivedTask {
	t.Helper()
	place := filepath.Join(dir, id)
	if err := os.MkdirAll(place, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", place, err)
	}
	if len(payload) > 0 {
		if err := os.WriteFile(filepath.Join(place, "payload.bin"), payload, 0o644); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	return &ArchivedTask{id: id, place: place, submission: submission, histID: histID}
}

func remainingIDs(tasks []*ArchivedTask) []string {
	var ids []string
	for _, t := range tasks {
		if _, err := os.Stat(t.place); err == nil {
			ids = append(ids, t.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func TestPurgePolicyOlderRemovesStaleWorkspaces(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	tasks := []*ArchivedTask{
		mkArchived(t, dir, "recent", "a", now, nil),
		mkArchived(t, dir, "stale", "a", now.Add(-48*time.Hour), nil),
	}

	p, err := NewPurgePolicy("older", "1d", tasks)
	if err != nil {
		t.Fatalf("NewPurgePolicy: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]string{"recent"}, remainingIDs(tasks)); diff != "" {
		t.Errorf("unexpected surviving workspaces (-want +got):\n%s", diff)
	}
	if p.RemovedTasks != 1 {
		t.Errorf("RemovedTasks = %d, want 1", p.RemovedTasks)
	}
}

func TestPurgePolicyLastKeepsMostRecentN(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	// tasks is expected submission-descending, as HistoryManager.Dump produces it.
	tasks := []*ArchivedTask{
		mkArchived(t, dir, "newest", "a", now, nil),
		mkArchived(t, dir, "middle", "a", now.Add(-time.Hour), nil),
		mkArchived(t, dir, "oldest", "a", now.Add(-2*time.Hour), nil),
	}

	p, err := NewPurgePolicy("last", "2", tasks)
	if err != nil {
		t.Fatalf("NewPurgePolicy: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]string{"middle", "newest"}, remainingIDs(tasks)); diff != "" {
		t.Errorf("unexpected surviving workspaces (-want +got):\n%s", diff)
	}
}

func TestPurgePolicyEachKeepsPerHistID(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	tasks := []*ArchivedTask{
		mkArchived(t, dir, "build-new", "deb:bookworm:foo", now, nil),
		mkArchived(t, dir, "build-old", "deb:bookworm:foo", now.Add(-time.Hour), nil),
		mkArchived(t, dir, "other", "rpm:el9:bar", now, nil),
	}

	p, err := NewPurgePolicy("each", "1", tasks)
	if err != nil {
		t.Fatalf("NewPurgePolicy: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"build-new", "other"}
	if diff := cmp.Diff(want, remainingIDs(tasks)); diff != "" {
		t.Errorf("unexpected surviving workspaces (-want +got):\n%s", diff)
	}
}

func TestPurgePolicySizeRemovesOnceLimitReached(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	tasks := []*ArchivedTask{
		mkArchived(t, dir, "newest", "a", now, make([]byte, 10)),
		mkArchived(t, dir, "oldest", "a", now.Add(-time.Hour), make([]byte, 10)),
	}

	p, err := NewPurgePolicy("size", "15Mb", tasks)
	if err != nil {
		t.Fatalf("NewPurgePolicy: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 15Mb == 15e6/8 bytes, comfortably above 20 bytes total, so nothing
	// should be removed before the limit is ever reached.
	if diff := cmp.Diff([]string{"newest", "oldest"}, remainingIDs(tasks)); diff != "" {
		t.Errorf("unexpected surviving workspaces (-want +got):\n%s", diff)
	}
	if p.RemovedTasks != 0 {
		t.Errorf("RemovedTasks = %d, want 0", p.RemovedTasks)
	}
}

func TestNewPurgePolicyRejectsUnknownPolicy(t *testing.T) {
	if _, err := NewPurgePolicy("bogus", "1d", nil); err == nil {
		t.Fatal("expected an error for an unknown policy name")
	}
}

func TestNewPurgePolicyRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		policy, value string
	}{
		{"older", "notanumber"},
		{"older", "5x"},
		{"last", "notanumber"},
		{"each", "notanumber"},
		{"size", "notasize"},
	}
	for _, c := range cases {
		if _, err := NewPurgePolicy(c.policy, c.value, nil); err == nil {
			t.Errorf("NewPurgePolicy(%q, %q, nil): expected error", c.policy, c.value)
		}
	}
}
