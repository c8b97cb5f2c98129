package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestAttachTaskScopesToCallingGoroutine(t *testing.T) {
	var buf bytes.Buffer
	AttachTask(&buf)
	defer DetachTask()

	Logr("test").Info("hello there")

	out := buf.String()
	if !strings.HasSuffix(out, ":hello there") {
		t.Errorf("attached writer got %q, want a \"<level>:hello there\" payload", out)
	}
}

func TestDetachTaskStopsDuplication(t *testing.T) {
	var buf bytes.Buffer
	AttachTask(&buf)
	DetachTask()

	Logr("test").Info("should not appear")

	if buf.Len() != 0 {
		t.Errorf("expected no output after DetachTask, got %q", buf.String())
	}
}

func TestAttachTaskDoesNotLeakAcrossGoroutines(t *testing.T) {
	var buf bytes.Buffer
	AttachTask(&buf)
	defer DetachTask()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Logr("other-goroutine").Info("not mine")
	}()
	wg.Wait()

	if buf.Len() != 0 {
		t.Errorf("expected entries from other goroutines not to leak into this task's writer, got %q", buf.String())
	}
}
