package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingKiller records calls and fails the ones it is told to.
type recordingKiller struct {
	mu    sync.Mutex
	calls []string

	groupErr   error
	killErr    error
	pidfileErr error
	pidfilePid int
}

func (k *recordingKiller) record(s string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, s)
}

func (k *recordingKiller) KillGroup(_ context.Context, pgid int) error {
	k.record(fmt.Sprintf("group %d", pgid))
	return k.groupErr
}

func (k *recordingKiller) Kill(_ context.Context, pid int) error {
	k.record(fmt.Sprintf("kill %d", pid))
	return k.killErr
}

func (k *recordingKiller) ReadPidfile(_ context.Context, path string) (int, error) {
	k.record("read " + path)
	if k.pidfileErr != nil {
		return 0, k.pidfileErr
	}
	return k.pidfilePid, nil
}

type actionRecord struct {
	action string
	err    error
}

func newTestHost(t *testing.T, process *Process, pidfile string, k Killer) (*Host, *[]actionRecord, *[]time.Duration) {
	t.Helper()

	var actions []actionRecord
	var sleeps []time.Duration

	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})

	h := NewHost(RoleNode, "node1", "10.180.0.3", "10.180.0.1", process, pidfile,
		WithKiller(k),
		WithLogger(log),
		WithActionObserver(func(hostname, action string, err error) {
			assert.Equal(t, "node1", hostname)
			actions = append(actions, actionRecord{action, err})
		}),
		withSleep(func(_ context.Context, d time.Duration) {
			sleeps = append(sleeps, d)
		}),
	)
	return h, &actions, &sleeps
}

func spawnSleeper(t *testing.T) *Process {
	t.Helper()
	p, err := Spawn(context.Background(), LaunchSpec{Script: "/bin/sh", Args: []string{"-c", "exec sleep 300"}})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.cmd.Process.Kill()
		<-p.Exited()
	})
	return p
}

func TestTerminateRunsEveryActionDespiteFailures(t *testing.T) {
	p := spawnSleeper(t)
	k := &recordingKiller{
		groupErr:   errors.New("operation not permitted"),
		killErr:    errors.New("no such process"),
		pidfilePid: 4242,
	}
	h, actions, sleeps := newTestHost(t, p, "/run/meshprobe/node1.pid", k)

	assert.Equal(t, Running, h.State())
	h.Terminate(context.Background())

	pid := p.Pid()
	assert.Equal(t, []string{
		fmt.Sprintf("group %d", pid),
		fmt.Sprintf("kill %d", pid),
		"read /run/meshprobe/node1.pid",
		"kill 4242",
	}, k.calls)

	require.Len(t, *actions, 4)
	assert.Equal(t, ActionKillGroup, (*actions)[0].action)
	assert.Error(t, (*actions)[0].err)
	assert.Equal(t, ActionKillLauncher, (*actions)[1].action)
	assert.Error(t, (*actions)[1].err)
	assert.Equal(t, ActionKillPidfile, (*actions)[2].action)
	assert.Error(t, (*actions)[2].err)
	assert.Equal(t, ActionSettle, (*actions)[3].action)
	assert.NoError(t, (*actions)[3].err)

	assert.Equal(t, []time.Duration{DefaultSettle}, *sleeps)
	assert.Equal(t, Terminated, h.State())
}

func TestTerminateMissingPidfile(t *testing.T) {
	p := spawnSleeper(t)
	k := &recordingKiller{pidfileErr: os.ErrNotExist}
	h, actions, _ := newTestHost(t, p, "/run/meshprobe/node1.pid", k)

	h.Terminate(context.Background())

	assert.Len(t, k.calls, 3)
	require.Len(t, *actions, 4)
	assert.ErrorIs(t, (*actions)[2].err, os.ErrNotExist)
	assert.Equal(t, Terminated, h.State())
}

func TestTerminateIsIdempotent(t *testing.T) {
	k := &recordingKiller{pidfileErr: os.ErrNotExist}
	h, actions, sleeps := newTestHost(t, nil, "/run/meshprobe/node1.pid", k)

	h.Terminate(context.Background())
	first := h.State()
	h.Terminate(context.Background())

	assert.Equal(t, Terminated, first)
	assert.Equal(t, Terminated, h.State())
	assert.Len(t, *actions, 8)
	assert.Len(t, *sleeps, 2)
	assert.Equal(t, []string{"read /run/meshprobe/node1.pid", "read /run/meshprobe/node1.pid"}, k.calls)
}

func TestTerminateWithoutProcessOrPidfile(t *testing.T) {
	k := &recordingKiller{}
	h, actions, _ := newTestHost(t, nil, "", k)

	h.Terminate(context.Background())

	assert.Empty(t, k.calls)
	require.Len(t, *actions, 4)
	assert.ErrorIs(t, (*actions)[0].err, errNoPid)
	assert.ErrorIs(t, (*actions)[1].err, errNoPid)
	assert.ErrorIs(t, (*actions)[2].err, errNoPid)
	assert.Equal(t, Terminated, h.State())
}

func TestTerminateExitedLauncherNotSignalled(t *testing.T) {
	p, err := Spawn(context.Background(), LaunchSpec{Script: "/bin/sh", Args: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	<-p.Exited()

	k := &recordingKiller{pidfilePid: 99}
	h, actions, _ := newTestHost(t, p, "/run/meshprobe/node1.pid", k)
	h.Terminate(context.Background())

	require.Len(t, *actions, 4)
	assert.Equal(t, ActionKillLauncher, (*actions)[1].action)
	assert.ErrorIs(t, (*actions)[1].err, errLauncherExited)
	assert.Equal(t, Terminated, h.State())

	assert.Equal(t, []string{
		fmt.Sprintf("group %d", p.Pid()),
		"read /run/meshprobe/node1.pid",
		"kill 99",
	}, k.calls)
}

func TestTerminateKillsLauncherTree(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "guest.pid")
	script := filepath.Join(dir, "launch.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 300 &\necho $! > \"$1\"\nwait\n"), 0o755))

	p, err := Spawn(context.Background(), LaunchSpec{Script: script, Args: []string{pidfile}})
	require.NoError(t, err)

	var guestPid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidfile)
		if err != nil {
			return false
		}
		guestPid, err = parsePid(string(data))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	h := NewHost(RoleLighthouse, "lighthouse", "10.180.0.2", "", p, pidfile, WithSettle(0), WithLogger(log))
	h.Terminate(context.Background())

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("launcher still running after terminate")
	}
	assert.Equal(t, -1, p.ExitCode())
	assert.Eventually(t, func() bool { return processGone(guestPid) }, 5*time.Second, 10*time.Millisecond)

	h.Terminate(context.Background())
	assert.Equal(t, Terminated, h.State())
}

func TestTerminateCutsSettleShortOnCancel(t *testing.T) {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	h := NewHost(RoleNode, "node2", "10.180.0.4", "", nil, "",
		WithSettle(time.Hour),
		WithLogger(log),
		WithKiller(&SignalKiller{Fs: afero.NewMemMapFs()}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Terminate(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminate ignored cancellation")
	}
	assert.Equal(t, Terminated, h.State())
}

func TestRoleAndState(t *testing.T) {
	assert.True(t, RoleLighthouse.Valid())
	assert.True(t, RoleNode.Valid())
	assert.False(t, Role("relay").Valid())

	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "terminating", Terminating.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "State(7)", State(7).String())
}

func TestHostAccessors(t *testing.T) {
	h := NewHost(RoleNode, "node1", "10.180.0.3", "10.180.0.1", nil, "/run/node1.pid")
	assert.Equal(t, "node1 (10.180.0.3)", h.String())
	assert.Equal(t, "/run/node1.pid", h.Pidfile())
	assert.Nil(t, h.Process())
	assert.Equal(t, "10.180.0.1", h.Gateway)
}

// processGone reports whether pid no longer exists or is a zombie.
func processGone(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	// Format: pid (comm) state ...
	s := string(data)
	i := strings.LastIndex(s, ")")
	return i >= 0 && i+2 < len(s) && s[i+2] == 'Z'
}
