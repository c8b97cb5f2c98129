// Package tasks implements the queued task engine: submission, a single
// worker per instance, task lifecycle (prerun/run/postrun/terminate),
// history listing and history purge. Grounded on
// original_source/fatbuildr/tasks/__init__.py, tasks/manager.py and
// history.py.
package tasks

import (
	"time"

	"github.com/distr1/fatbuildr/internal/console"
	"github.com/distr1/fatbuildr/internal/logging"
)

// Task is implemented by every task kind (artifact build, artifact
// deletion, keyring create/renew, image/build-env create/update/shell,
// history purge), mirroring RunnableTask. Run does the actual work;
// Prerun/Postrun/Terminate bracket it the way the original's three
// lifecycle hooks do. HistID and Fields replace the original's
// reflective, registry-driven per-field archived/histid flags: since Go
// has no runtime attribute introspection to match Python's
// ProtocolRegistry.task_fields() walk, each concrete task kind states
// its own archivable fields and history dedup key directly.
type Task interface {
	ID() string
	Name() string
	User() string
	Place() string
	State() string
	SetIO(*console.TaskIO)
	Prerun() error
	Run() error
	Postrun() error
	Terminate() error
	Fields() Fields
	HistID() string
}

// Fields is the archived record of a task: RunnableTask's BASEFIELDS
// plus whatever a concrete kind layers on as Extra. Persisted as
// task.yml by HistoryManager.SaveTask and reloaded into an ArchivedTask
// for history listing.
type Fields struct {
	ID         string
	Name       string
	User       string
	Submission time.Time
	State      string
	Extra      map[string]string
}

// BaseTask carries the fields every task kind shares and the TaskIO
// wiring every concrete Run implementation uses to execute subprocesses.
// Concrete kinds embed it and get Prerun/Postrun/Terminate/Fields/RunCmd
// for free, implementing only Run and HistID themselves.
type BaseTask struct {
	taskID     string
	taskName   string
	taskUser   string
	taskPlace  string
	submission time.Time
	state      string
	io         *console.TaskIO
}

// NewBaseTask builds the common fields of a task, state starting at
// "running" the moment it is picked up by a worker.
func NewBaseTask(id, name, user, place string) BaseTask {
	return BaseTask{
		taskID:     id,
		taskName:   name,
		taskUser:   user,
		taskPlace:  place,
		submission: time.Now(),
		state:      "running",
	}
}

func (b *BaseTask) ID() string            { return b.taskID }
func (b *BaseTask) Name() string          { return b.taskName }
func (b *BaseTask) User() string          { return b.taskUser }
func (b *BaseTask) Place() string         { return b.taskPlace }
func (b *BaseTask) State() string         { return b.state }
func (b *BaseTask) SetState(state string) { b.state = state }
func (b *BaseTask) IO() *console.TaskIO    { return b.io }
func (b *BaseTask) SetIO(io *console.TaskIO) { b.io = io }

// Prerun starts the task's console dispatcher and plugs the process
// logger into its log pipe, mirroring RunnableTask.prerun's
// io.dispatch()/io.plug_logger() pair.
func (b *BaseTask) Prerun() error {
	b.io.Dispatch()
	logging.AttachTask(b.io.LogWriter())
	return nil
}

// Postrun unplugs the logger, stops the dispatcher and releases every
// fd TaskIO owns, mirroring RunnableTask.postrun's
// unplug_logger()/undispatch()/close() sequence.
func (b *BaseTask) Postrun() error {
	logging.DetachTask()
	b.io.Undispatch()
	return b.io.Close()
}

func (b *BaseTask) Terminate() error { return nil }

func (b *BaseTask) Fields() Fields {
	return Fields{
		ID:         b.taskID,
		Name:       b.taskName,
		User:       b.taskUser,
		Submission: b.submission,
		State:      b.state,
	}
}

// RunCmd runs an external command with its output wired to the task's
// TaskIO. Its signature matches internal/image.Runner and
// internal/registry.Build's RunCmd exactly, so any task embedding
// BaseTask satisfies both without internal/image or internal/registry
// ever importing internal/tasks.
func (b *BaseTask) RunCmd(name string, args []string, env map[string]string) error {
	return console.RunCommand(name, args, env, b.io)
}
