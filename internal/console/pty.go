//go:build linux

// Interactive subprocess handling, grounded on
// original_source/fatbuildr/console/server.py's tty_runcmd(): runs a
// command attached to a freshly opened PTY, bracketing its raw byte
// stream with RAW_ENABLE/RAW_DISABLE frames and muting task log
// broadcast for the duration, and translates WINCH frames received from
// the remote client into TIOCSWINSZ ioctls on the PTY master.
package console

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// openPTY opens a new pseudo-terminal pair via /dev/ptmx, returning the
// master file and the slave device path.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", err
	}
	if err := unix.IoctlSetInt(int(master.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", err
	}
	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", err
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

// CompletedProcess mirrors the teacher's ConsoleCompletedProcess: the
// tiny subset of exec output a task cares about.
type CompletedProcess struct {
	ExitCode int
}

// RunInteractive runs name/args attached to a PTY, bridging its stdio
// through tio's output and input pipes using the console wire protocol,
// and returns once the subprocess exits.
func RunInteractive(name string, args []string, env map[string]string, tio *TaskIO) (*CompletedProcess, error) {
	logger.Debugf("running command in interactive mode: %s %v", name, args)

	if err := Write(tio.OutputWriter(), NewRawEnable()); err != nil {
		return nil, err
	}
	tio.MuteLog()
	defer func() {
		Write(tio.OutputWriter(), NewRawDisable())
		tio.UnmuteLog()
	}()

	master, slaveName, err := openPTY()
	if err != nil {
		return nil, err
	}
	defer master.Close()

	slave, err := os.OpenFile(slaveName, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer slave.Close()

	cmd := exec.Command(name, args...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	slave.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			n, err := master.Read(buf)
			if n > 0 {
				Write(tio.OutputWriter(), NewBytes(append([]byte(nil), buf[:n]...)))
			}
			if err != nil {
				return
			}
		}
	}()

	// This goroutine blocks on Read(tio.InputReader()) and only unblocks
	// once the input pipe is closed by TaskIO.Close() at task end; unlike
	// the teacher's epoll loop it cannot be woken by the subprocess exit
	// alone, so it outlives a single RunInteractive call by design.
	go func() {
		for {
			msg, err := Read(tio.InputReader())
			if err != nil {
				return
			}
			switch msg.Cmd {
			case CmdWinch:
				rows, cols := msg.RowsCols()
				unix.IoctlSetWinsize(int(master.Fd()), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
				logger.Debugf("sent TIOCSWINSZ %d rows x %d cols to PTY master", rows, cols)
			case CmdBytes:
				master.Write(msg.Payload)
			}
		}
	}()

	waitErr := cmd.Wait()
	master.Close()
	<-done

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, waitErr
		}
	}
	return &CompletedProcess{ExitCode: exitCode}, nil
}
