package tasks

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/distr1/fatbuildr/internal/logging"
)

const taskFormFile = "task.yml"

// taskForm is the on-disk YAML shape of Fields, grounded on
// history.py's TaskForm (a plain attribute bag dumped/loaded with
// pyyaml; yaml.v3 struct tags give the same round trip here).
type taskForm struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	User       string            `yaml:"user"`
	Submission time.Time         `yaml:"submission"`
	State      string            `yaml:"state"`
	Extra      map[string]string `yaml:"extra,omitempty"`
}

func saveTaskForm(place string, f Fields) error {
	data, err := yaml.Marshal(taskForm{
		ID: f.ID, Name: f.Name, User: f.User,
		Submission: f.Submission, State: f.State, Extra: f.Extra,
	})
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(place, taskFormFile), data, 0o644)
}

func loadTaskForm(place string) (taskForm, error) {
	data, err := os.ReadFile(filepath.Join(place, taskFormFile))
	if err != nil {
		return taskForm{}, err
	}
	var form taskForm
	if err := yaml.Unmarshal(data, &form); err != nil {
		return taskForm{}, err
	}
	return form, nil
}

// ArchivedTask is a finished task reconstructed from its persisted
// task.yml for history listing only; it is never run. Mirrors
// ArchivedTask(RunnableTask).
type ArchivedTask struct {
	id         string
	name       string
	user       string
	place      string
	submission time.Time
	extra      map[string]string
	histID     string
}

func (a *ArchivedTask) ID() string              { return a.id }
func (a *ArchivedTask) Name() string            { return a.name }
func (a *ArchivedTask) User() string            { return a.user }
func (a *ArchivedTask) Place() string           { return a.place }
func (a *ArchivedTask) Submission() time.Time   { return a.submission }
func (a *ArchivedTask) Extra() map[string]string { return a.extra }
func (a *ArchivedTask) HistID() string          { return a.histID }

// HistIDFunc computes a task's history dedup key from its name and
// archived Extra fields; each task kind supplies its own (see
// BuildTask.HistID for the shape this stands in for).
type HistIDFunc func(name string, extra map[string]string) string

// HistoryManager lists and purges one instance's finished task
// workspaces, mirroring HistoryManager.
type HistoryManager struct {
	path    string
	manager *Manager
	histID  HistIDFunc
}

// NewHistoryManager returns a manager rooted at the instance's
// workspaces directory (the same directory task.Place() values live
// under). manager is consulted to exclude queued/running tasks from the
// dump; histID computes each archived task's purge-dedup key.
func NewHistoryManager(path string, manager *Manager, histID HistIDFunc) *HistoryManager {
	return &HistoryManager{path: path, manager: manager, histID: histID}
}

// SaveTask persists a finished task's Fields as task.yml in its
// workspace, mirroring HistoryManager.save_task.
func (h *HistoryManager) SaveTask(t Task) error {
	return saveTaskForm(t.Place(), t.Fields())
}

// Dump returns up to limit most-recent archived tasks (0 means no
// limit), skipping queued/running workspaces and malformed task
// directories. Mirrors HistoryManager.dump.
func (h *HistoryManager) Dump(limit int, removeMalformed bool) ([]*ArchivedTask, error) {
	queued := map[string]bool{}
	if h.manager != nil {
		for _, t := range h.manager.FullQueue() {
			queued[t.ID()] = true
		}
	}

	entries, err := os.ReadDir(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*ArchivedTask
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if queued[entry.Name()] {
			continue
		}
		dir := filepath.Join(h.path, entry.Name())
		form, err := loadTaskForm(dir)
		if err != nil {
			logging.Logr("tasks").Errorf("unable to load malformed task directory %s: %v", dir, err)
			if removeMalformed {
				if rmErr := os.RemoveAll(dir); rmErr != nil {
					logging.Logr("tasks").Errorf("removing malformed task directory %s: %v", dir, rmErr)
				}
			}
			continue
		}
		at := &ArchivedTask{
			id: entry.Name(), name: form.Name, user: form.User, place: dir,
			submission: form.Submission, extra: form.Extra,
		}
		at.histID = h.histID(at.name, at.extra)
		out = append(out, at)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].submission.After(out[j].submission) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge dumps every archived task (including malformed-directory
// cleanup) and applies the configured retention policy, mirroring
// HistoryManager.purge.
func (h *HistoryManager) Purge(policy, value string) (removed int, retrievedBytes int64, err error) {
	tasks, err := h.Dump(0, true)
	if err != nil {
		return 0, 0, err
	}
	p, err := NewPurgePolicy(policy, value, tasks)
	if err != nil {
		return 0, 0, err
	}
	if err := p.Run(); err != nil {
		return 0, 0, err
	}
	return p.RemovedTasks, p.RetrievedSize, nil
}
