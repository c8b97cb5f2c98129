// Package shutdown provides the server's interruptible root context,
// adapted from the teacher's root-level context.go: a context.Context
// that is canceled on SIGINT/SIGTERM so long-running task execution and
// the task queue's wait loop can unblock promptly. Stdlib only
// (os/signal) — matches the teacher, no third-party lib improves on
// context.Context for this.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context canceled on SIGINT or SIGTERM,
// along with a stop function that releases the signal handler early
// (e.g. once normal shutdown has already begun).
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop
}
