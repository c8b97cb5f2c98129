// Package logging centralizes Fatbuildr's leveled logging. It plays the
// role fatbuildr/log.py's logr(name) factory plays in the original: every
// package gets its own named entry so per-instance and per-task fields can
// be attached uniformly.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.AddHook(taskHook{})
}

// SetLevel adjusts the base logger's verbosity.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Logr returns a logger entry scoped to a component name, mirroring the
// original logr(__name__) per-module logger.
func Logr(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// ForInstance narrows a logger to a single instance id.
func ForInstance(entry *logrus.Entry, instanceID string) *logrus.Entry {
	return entry.WithField("instance", instanceID)
}

// ForTask further narrows a logger to a single running task.
func ForTask(entry *logrus.Entry, taskID, taskName string) *logrus.Entry {
	return entry.WithField("task", taskID).WithField("kind", taskName)
}

// Level re-exports logrus' level type so callers don't need a direct
// logrus import just to call SetLevel.
type Level = logrus.Level

const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// taskWriters maps a goroutine id to the task log pipe that goroutine's
// entries should also be written to. This is the idiomatic Go stand-in
// for fatbuildr/log.py's BuildlogFilter, which instead matches on
// record.threadName == f"worker-{instance}": Go has no named threads, so
// the running goroutine's id takes that role. AttachTask/DetachTask
// bracket a task's execution the way plug_logger()/unplug_logger() do.
var (
	taskWritersMu sync.Mutex
	taskWriters   = map[uint64]io.Writer{}
)

// AttachTask registers w as the duplicate destination for every log
// entry emitted by the calling goroutine, until DetachTask is called
// from the same goroutine. Entries are written as "<level-int>:<message>"
// payloads, the format console client LOG frames expect.
func AttachTask(w io.Writer) {
	gid := goroutineID()
	taskWritersMu.Lock()
	taskWriters[gid] = w
	taskWritersMu.Unlock()
}

// DetachTask stops duplicating the calling goroutine's log entries,
// mirroring unplug_logger().
func DetachTask() {
	gid := goroutineID()
	taskWritersMu.Lock()
	delete(taskWriters, gid)
	taskWritersMu.Unlock()
}

// taskHook is installed once on the shared base logger and fans out
// every entry to whatever task log pipe, if any, the firing goroutine
// is currently attached to.
type taskHook struct{}

func (taskHook) Levels() []logrus.Level { return logrus.AllLevels }

func (taskHook) Fire(entry *logrus.Entry) error {
	gid := goroutineID()
	taskWritersMu.Lock()
	w, ok := taskWriters[gid]
	taskWritersMu.Unlock()
	if !ok {
		return nil
	}
	_, err := fmt.Fprintf(w, "%d:%s", levelCode(entry.Level), entry.Message)
	return err
}

// levelCode maps a logrus level to the small integer scheme the console
// client's formatLogEntry/levelColors already key on.
func levelCode(l logrus.Level) int {
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		return 0
	case logrus.InfoLevel:
		return 1
	case logrus.WarnLevel:
		return 2
	case logrus.ErrorLevel:
		return 3
	default:
		return 4
	}
}

// goroutineID extracts the calling goroutine's id from the header line
// of its own stack trace ("goroutine 123 [running]:"), the standard
// trick for goroutine-scoped state when no explicit context is threaded
// through every call site.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}
