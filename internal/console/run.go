// RunCommand dispatches between interactive and non-interactive command
// execution, grounded on original_source/fatbuildr/exec.go's runcmd():
// interactive tasks get a PTY via RunInteractive, everything else runs
// with stdout/stderr wired to the task's output pipe (or captured, if
// tio is nil).
package console

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
)

// RunCommand runs name/args, optionally attached to tio. If tio is nil
// the command's combined output is captured and returned in the error
// on failure, matching the non-task-context call path. If tio is
// interactive, RunInteractive is used instead.
func RunCommand(name string, args []string, env map[string]string, tio *TaskIO) error {
	logger.Debugf("running command: %s %v", name, args)

	if tio != nil && tio.Interactive {
		proc, err := RunInteractive(name, args, env, tio)
		if err != nil {
			return err
		}
		if proc.ExitCode != 0 {
			return fmt.Errorf("command %s %v failed with exit code %d", name, args, proc.ExitCode)
		}
		return nil
	}

	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envSlice(env)...)
	}

	var captured bytes.Buffer
	if tio != nil {
		cmd.Stdout = tio.OutputWriter()
		cmd.Stderr = tio.OutputWriter()
	} else {
		cmd.Stdout = &captured
		cmd.Stderr = &captured
	}

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("command %s %v failed: %v", name, args, err)
		if tio == nil {
			msg += fmt.Sprintf(": %s", captured.String())
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
