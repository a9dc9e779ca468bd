// Package guest launches virtualized guests and tears them down.
package guest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Role is a host's part in the mesh.
type Role string

// Mesh roles.
const (
	RoleLighthouse Role = "lighthouse"
	RoleNode       Role = "node"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleLighthouse || r == RoleNode
}

// State is a host's position in its termination lifecycle.
type State int

// Host lifecycle states.
const (
	Running State = iota
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultSettle is the pause after the kill actions.
const DefaultSettle = 3 * time.Second

// Termination actions, in the order they run.
const (
	ActionKillGroup    = "kill_group"
	ActionKillLauncher = "kill_launcher"
	ActionKillPidfile  = "kill_pidfile"
	ActionSettle       = "settle"
)

// ActionObserver is told the outcome of every termination action. err is
// nil for an action that succeeded or was skipped.
type ActionObserver func(hostname, action string, err error)

// Host is a launched guest together with everything needed to kill it.
//
// The launcher process and the pid recorded in the pidfile may be different
// processes. Neither is trusted on its own, so Terminate acts on both.
type Host struct {
	Role     Role
	Hostname string
	Address  string
	Gateway  string

	process *Process
	pidfile string

	killer   Killer
	settle   time.Duration
	sleep    func(context.Context, time.Duration)
	log      logrus.FieldLogger
	observer ActionObserver

	mu    sync.Mutex
	state State
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithKiller sets how signals are delivered.
func WithKiller(k Killer) HostOption {
	return func(h *Host) {
		h.killer = k
	}
}

// WithSettle sets the pause that ends every termination.
func WithSettle(d time.Duration) HostOption {
	return func(h *Host) {
		h.settle = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) HostOption {
	return func(h *Host) {
		h.log = log
	}
}

// WithActionObserver registers a callback for termination actions.
func WithActionObserver(o ActionObserver) HostOption {
	return func(h *Host) {
		h.observer = o
	}
}

// withSleep replaces the settle sleep in tests.
func withSleep(fn func(context.Context, time.Duration)) HostOption {
	return func(h *Host) {
		h.sleep = fn
	}
}

// NewHost wraps a launched guest. process may be nil when the launcher is
// not under our control.
func NewHost(role Role, hostname, address, gateway string, process *Process, pidfile string, opts ...HostOption) *Host {
	h := &Host{
		Role:     role,
		Hostname: hostname,
		Address:  address,
		Gateway:  gateway,
		process:  process,
		pidfile:  pidfile,
		killer:   NewSignalKiller(),
		settle:   DefaultSettle,
		sleep:    sleepContext,
		log:      logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.log = h.log.WithFields(logrus.Fields{"hostname": hostname, "role": string(role)})
	return h
}

// Pidfile returns the path the guest writes its process id to.
func (h *Host) Pidfile() string {
	return h.pidfile
}

// Process returns the launcher, or nil.
func (h *Host) Process() *Process {
	return h.process
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// String returns the hostname and address.
func (h *Host) String() string {
	return fmt.Sprintf("%s (%s)", h.Hostname, h.Address)
}

// Terminate tears the guest down. It signals the launcher's process group,
// then the launcher itself, then the pid named in the pidfile, and finally
// waits for the settle interval. Every action runs regardless of how the
// previous ones went and failures are only logged. Calling Terminate again
// repeats the actions; they tolerate processes that are already gone.
//
// Terminate never fails. The settle pause is cut short if ctx ends.
func (h *Host) Terminate(ctx context.Context) {
	prev := h.State()
	h.setState(Terminating)
	h.log.WithField("from", prev.String()).Info("terminating guest")

	h.act(ActionKillGroup, func() error {
		if h.process == nil {
			return errNoPid
		}
		return h.killer.KillGroup(ctx, h.process.Pid())
	})

	h.act(ActionKillLauncher, func() error {
		if h.process == nil {
			return errNoPid
		}
		// A reaped pid may already belong to another process.
		if !h.process.Alive() {
			return errLauncherExited
		}
		return h.killer.Kill(ctx, h.process.Pid())
	})

	h.act(ActionKillPidfile, func() error {
		if h.pidfile == "" {
			return errNoPid
		}
		pid, err := h.killer.ReadPidfile(ctx, h.pidfile)
		if err != nil {
			return err
		}
		return h.killer.Kill(ctx, pid)
	})

	h.act(ActionSettle, func() error {
		h.sleep(ctx, h.settle)
		return nil
	})

	h.setState(Terminated)
	h.log.Info("guest terminated")
}

// act runs one termination action and swallows its error.
func (h *Host) act(name string, fn func() error) {
	err := fn()
	if err != nil {
		h.log.WithField("action", name).WithError(err).Debug("termination action failed")
	} else {
		h.log.WithField("action", name).Debug("termination action done")
	}
	if h.observer != nil {
		h.observer(h.Hostname, name, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
