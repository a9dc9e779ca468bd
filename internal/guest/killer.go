package guest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Killer delivers the termination signals used while tearing a guest down.
type Killer interface {
	// KillGroup signals every process in the group led by pgid.
	KillGroup(ctx context.Context, pgid int) error

	// Kill signals a single process.
	Kill(ctx context.Context, pid int) error

	// ReadPidfile returns the process id recorded in path.
	ReadPidfile(ctx context.Context, path string) (int, error)
}

var (
	errNoPid          = errors.New("no process id")
	errLauncherExited = errors.New("launcher already exited")
)

// parsePid parses the contents of a pidfile.
func parsePid(data string) (int, error) {
	s := strings.TrimSpace(data)
	if s == "" {
		return 0, errNoPid
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pidfile contents %q: %w", s, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid process id %d", pid)
	}
	return pid, nil
}

// SignalKiller signals processes directly. It suits launchers started by the
// same user as the harness.
type SignalKiller struct {
	Fs     afero.Fs
	Signal unix.Signal
}

// NewSignalKiller returns a killer sending SIGTERM and reading pidfiles from
// the OS filesystem.
func NewSignalKiller() *SignalKiller {
	return &SignalKiller{Fs: afero.NewOsFs(), Signal: unix.SIGTERM}
}

// KillGroup signals the process group.
func (k *SignalKiller) KillGroup(_ context.Context, pgid int) error {
	if pgid <= 0 {
		return errNoPid
	}
	return unix.Kill(-pgid, k.Signal)
}

// Kill signals one process.
func (k *SignalKiller) Kill(_ context.Context, pid int) error {
	if pid <= 0 {
		return errNoPid
	}
	return unix.Kill(pid, k.Signal)
}

// ReadPidfile reads a pidfile.
func (k *SignalKiller) ReadPidfile(_ context.Context, path string) (int, error) {
	data, err := afero.ReadFile(k.Fs, path)
	if err != nil {
		return 0, err
	}
	return parsePid(string(data))
}

// SudoKiller signals processes through sudo. Launchers are usually
// privileged wrappers, so the guest process they leave behind and the
// pidfile it writes belong to root.
type SudoKiller struct {
	conn connector.Connector
}

// NewSudoKiller returns a killer that runs kill and cat through conn,
// normally a local connector with sudo enabled.
func NewSudoKiller(conn connector.Connector) *SudoKiller {
	return &SudoKiller{conn: conn}
}

func (k *SudoKiller) run(ctx context.Context, cmd string) (string, error) {
	res, err := k.conn.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !res.Status.Success() {
		return "", fmt.Errorf("%s: status %s: %s", cmd, res.Status, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// KillGroup signals the process group.
func (k *SudoKiller) KillGroup(ctx context.Context, pgid int) error {
	if pgid <= 0 {
		return errNoPid
	}
	_, err := k.run(ctx, fmt.Sprintf("kill -TERM -- -%d", pgid))
	return err
}

// Kill signals one process.
func (k *SudoKiller) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return errNoPid
	}
	_, err := k.run(ctx, fmt.Sprintf("kill -TERM %d", pid))
	return err
}

// ReadPidfile reads a root-owned pidfile.
func (k *SudoKiller) ReadPidfile(ctx context.Context, path string) (int, error) {
	out, err := k.run(ctx, "cat "+connector.ShellQuote(path))
	if err != nil {
		return 0, err
	}
	return parsePid(out)
}
