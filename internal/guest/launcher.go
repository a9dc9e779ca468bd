package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// LaunchSpec describes one invocation of a guest launcher script.
type LaunchSpec struct {
	// Script is the launcher executable.
	Script string

	// Dir is the working directory for the launcher. Empty means the
	// current directory.
	Dir string

	// Args are the positional parameters handed to the launcher.
	Args []string

	// LogFile receives the launcher's combined output. Empty discards it.
	LogFile string
}

// Process is a started launcher.
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
	waitErr error
}

// Spawn starts the launcher and returns as soon as it is running. It does
// not wait for the guest to boot.
//
// The launcher runs in its own process group so that the group can be
// signalled as a whole. Its output goes to a file rather than a pipe; a
// virtualization binary that inherits a pipe would keep Wait from returning.
func Spawn(ctx context.Context, spec LaunchSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Script, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out io.Writer
	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening launcher log: %w", err)
		}
		logFile = f
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("starting launcher %s: %w", spec.Script, err)
	}

	p := &Process{
		cmd:     cmd,
		logFile: logFile,
		exited:  make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		if p.logFile != nil {
			p.logFile.Close()
		}
		close(p.exited)
	}()

	return p, nil
}

// Pid returns the launcher's process id, which is also its process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the launcher has exited and been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Alive reports whether the launcher has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Err returns the launcher's exit error once it has exited. A launcher that
// exited with status 0 returns nil, as does one still running.
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// ExitCode returns the launcher's exit code, or -1 if it is still running
// or was killed by a signal.
func (p *Process) ExitCode() int {
	if p.Alive() {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if p.waitErr != nil {
		return -1
	}
	return 0
}
