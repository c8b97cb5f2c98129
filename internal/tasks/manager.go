package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/distr1/fatbuildr/internal/console"
	"github.com/distr1/fatbuildr/internal/logging"
)

// HookConfig names an optional external program invoked at a task's
// start and end with FATBUILDR_* environment variables, mirroring
// _run_hook.
type HookConfig struct {
	Path string
}

// Manager runs one instance's task queue: a single worker pulls tasks
// with Queue.Get and runs them to completion one at a time, mirroring
// ServerTasksManager.
type Manager struct {
	InstanceID   string
	InstanceName string
	Workspaces   string
	Hook         *HookConfig

	queue *Queue

	mu      sync.Mutex
	running Task
}

// NewManager creates the instance's workspaces directory if missing and
// returns a Manager with an empty queue; call RestoreQueue afterwards to
// re-read any persisted tasks.queue snapshot from a previous run.
func NewManager(instanceID, instanceName, workspaces string, hook *HookConfig) (*Manager, error) {
	if err := os.MkdirAll(workspaces, 0o755); err != nil {
		return nil, fmt.Errorf("creating instance workspaces directory: %w", err)
	}
	return &Manager{
		InstanceID:   instanceID,
		InstanceName: instanceName,
		Workspaces:   workspaces,
		Hook:         hook,
		queue:        NewQueue(),
	}, nil
}

func (m *Manager) queueStatePath() string {
	return filepath.Join(m.Workspaces, "tasks.queue")
}

// Submit generates a task id and workspace path, builds the concrete
// task via newTask, enqueues it and persists the queue snapshot,
// mirroring ServerTasksManager.submit.
func (m *Manager) Submit(newTask func(id, place string) (Task, error)) (string, error) {
	id := uuid.New().String()
	place := filepath.Join(m.Workspaces, id)
	task, err := newTask(id, place)
	if err != nil {
		return "", err
	}
	m.queue.Put(task)
	if err := m.save(); err != nil {
		return "", err
	}
	return id, nil
}

// FullQueue returns the pending queue with the currently running task
// prepended if it is not already present, mirroring the fullqueue
// property used by history listing to exclude in-flight tasks from
// "unqueued" archives.
func (m *Manager) FullQueue() []Task {
	items := m.queue.Dump()
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running == nil {
		return items
	}
	for _, t := range items {
		if t.ID() == running.ID() {
			return items
		}
	}
	return append([]Task{running}, items...)
}

func (m *Manager) save() error {
	tasks := m.queue.Dump()
	if len(tasks) == 0 {
		if _, err := os.Stat(m.queueStatePath()); err == nil {
			return os.Remove(m.queueStatePath())
		}
		return nil
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID()
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return renameio.WriteFile(m.queueStatePath(), data, 0o644)
}

func (m *Manager) restoreIDs() ([]string, error) {
	data, err := os.ReadFile(m.queueStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		// A corrupt snapshot is treated the same way the original's
		// EOFError handling treats a truncated pickle: empty, not fatal.
		return nil, nil
	}
	return ids, nil
}

// Interrupt wakes a worker blocked in Get for a clean shutdown check.
func (m *Manager) Interrupt() {
	m.queue.Interrupt()
}

func (m *Manager) pick(ctx context.Context) (Task, error) {
	task, err := m.queue.Get(ctx)
	if err != nil || task == nil {
		return nil, err
	}
	m.mu.Lock()
	m.running = task
	m.mu.Unlock()
	m.queue.Release()
	return task, nil
}

func (m *Manager) runHook(task Task, stage string) {
	if m.Hook == nil || m.Hook.Path == "" {
		return
	}
	if fi, err := os.Stat(m.Hook.Path); err != nil || fi.IsDir() {
		logging.Logr("tasks").Errorf("tasks hook %s is not a valid file", m.Hook.Path)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.Hook.Path)
	cmd.Env = append(os.Environ(),
		"FATBUILDR_INSTANCE_ID="+m.InstanceID,
		"FATBUILDR_INSTANCE_NAME="+m.InstanceName,
		"FATBUILDR_TASK_ID="+task.ID(),
		"FATBUILDR_TASK_NAME="+task.Name(),
		"FATBUILDR_TASK_STAGE="+stage,
		"FATBUILDR_TASK_RESULT="+task.State(),
	)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logging.Logr("tasks").Error("task hook timeout")
		} else {
			logging.Logr("tasks").Errorf("error while running task hook: %v", err)
		}
	}
}

// run executes one task to completion: prerun, start hook, Run (a
// failure marks the task failed rather than aborting the worker),
// postrun, end hook, terminate, then clears running and persists the
// queue. Mirrors ServerTasksManager.run.
func (m *Manager) run(task Task, tio *console.TaskIO, history *HistoryManager) {
	task.SetIO(tio)
	if err := task.Prerun(); err != nil {
		logging.Logr("tasks").Errorf("error in prerun for task %s: %v", task.ID(), err)
	}
	m.runHook(task, "start")

	if err := task.Run(); err != nil {
		logging.Logr("tasks").Errorf("error while running task %s: %v", task.ID(), err)
		setTaskState(task, "failed")
		logging.Logr("tasks").Info("Task failed")
	} else {
		setTaskState(task, "success")
		logging.Logr("tasks").Info("Task succeeded")
	}

	if err := task.Postrun(); err != nil {
		logging.Logr("tasks").Errorf("error in postrun for task %s: %v", task.ID(), err)
	}
	m.runHook(task, "end")
	if err := task.Terminate(); err != nil {
		logging.Logr("tasks").Errorf("error terminating task %s: %v", task.ID(), err)
	}

	m.mu.Lock()
	m.running = nil
	m.mu.Unlock()
	if err := m.save(); err != nil {
		logging.Logr("tasks").Errorf("error saving queue state: %v", err)
	}
	if history != nil {
		if err := history.SaveTask(task); err != nil {
			logging.Logr("tasks").Errorf("error archiving task %s: %v", task.ID(), err)
		}
	}
}

// setTaskState lets Manager record the outcome without widening the
// Task interface: every BaseTask already exposes SetState, so this
// reaches it through the one narrow interface that needs declaring.
func setTaskState(t Task, state string) {
	if s, ok := t.(interface{ SetState(string) }); ok {
		s.SetState(state)
	}
}

// Clear removes the workspace directories of every task id found in a
// leftover tasks.queue snapshot, for crash recovery at daemon start
// before any worker runs. Mirrors ServerTasksManager.clear.
func (m *Manager) Clear() error {
	ids, err := m.restoreIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		workspace := filepath.Join(m.Workspaces, id)
		if err := os.RemoveAll(workspace); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing orphaned workspace %s: %w", workspace, err)
		}
	}
	return m.save()
}

// Run drives the worker loop until ctx is cancelled: pick a task
// (blocking up to idleTimeout so a shutdown check still happens when
// nothing is queued), run it to completion, repeat. Uses
// golang.org/x/sync/errgroup to own the worker goroutine's lifetime
// against ctx the way cmd/autobuilder paired its polling loop with a
// shutdown-aware timer, generalized here from a GitHub-release cadence
// to a plain queue-drain cadence.
func (m *Manager) Run(ctx context.Context, idleTimeout time.Duration, history *HistoryManager, newTaskIO func(task Task) (*console.TaskIO, error)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			if ctx.Err() != nil {
				return nil
			}
			pollCtx, cancel := context.WithTimeout(ctx, idleTimeout)
			task, err := m.pick(pollCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if task == nil {
				continue
			}
			tio, err := newTaskIO(task)
			if err != nil {
				logging.Logr("tasks").Errorf("opening console for task %s: %v", task.ID(), err)
				continue
			}
			m.run(task, tio, history)
		}
	})
	return g.Wait()
}
