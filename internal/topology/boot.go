package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eugenetaranov/meshprobe/internal/config"
	"github.com/eugenetaranov/meshprobe/internal/connector"
	"github.com/eugenetaranov/meshprobe/internal/guest"
	"github.com/eugenetaranov/meshprobe/internal/kind"
	"github.com/eugenetaranov/meshprobe/internal/portwait"
	"github.com/eugenetaranov/meshprobe/pkg/facts"
)

// Booter launches guests of one kind and waits for them to come up.
type Booter struct {
	Kind     kind.Kind
	Launcher config.Launcher

	// SSHPort is the readiness gate on every guest.
	SSHPort int

	// BootTimeout bounds the wait for the remote shell.
	BootTimeout time.Duration

	Waiter *portwait.Waiter

	// Connect returns the connector used for the boot probe.
	Connect func(hostname, address string) (connector.Connector, error)

	// HostOptions are applied to every host, e.g. the killer.
	HostOptions []guest.HostOption

	// RunID distinguishes pidfiles of concurrent runs.
	RunID string

	Log logrus.FieldLogger

	spawn func(context.Context, guest.LaunchSpec) (*guest.Process, error)
}

// Boot launches the guest, waits for its remote shell and probes it. On any
// failure after launch the guest is terminated before returning.
func (b *Booter) Boot(ctx context.Context, spec config.Host) (*guest.Host, error) {
	log := b.logger().WithFields(logrus.Fields{"hostname": spec.Hostname, "address": spec.Address})

	macs := guest.GenerateMACs(b.Kind.MACCount())

	pidDir := b.Launcher.PidDir
	if pidDir == "" {
		pidDir = os.TempDir()
	}
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pid dir: %w", err)
	}
	pidfile := filepath.Join(pidDir, fmt.Sprintf("%s-%s.pid", spec.Hostname, b.runID()))

	launch := guest.LaunchSpec{
		Script: b.Launcher.Script,
		Dir:    b.Launcher.Dir,
		Args: b.Kind.LaunchArgs(kind.LaunchParams{
			Hostname:        spec.Hostname,
			Address:         spec.Address,
			InternalAddress: spec.InternalAddress,
			Gateway:         spec.Gateway,
			MACs:            macs,
			Pidfile:         pidfile,
		}),
	}
	if b.Launcher.LogDir != "" {
		if err := os.MkdirAll(b.Launcher.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		launch.LogFile = filepath.Join(b.Launcher.LogDir, spec.Hostname+".log")
	}

	log.WithFields(logrus.Fields{"script": launch.Script, "args": launch.Args}).Info("launching guest")

	spawn := b.spawn
	if spawn == nil {
		spawn = guest.Spawn
	}
	process, err := spawn(ctx, launch)
	if err != nil {
		return nil, err
	}

	opts := append([]guest.HostOption{guest.WithLogger(b.logger())}, b.HostOptions...)
	h := guest.NewHost(spec.Role, spec.Hostname, spec.Address, spec.Gateway, process, pidfile, opts...)

	if err := b.awaitReady(ctx, h, process); err != nil {
		h.Terminate(context.WithoutCancel(ctx))
		return nil, err
	}

	conn, err := b.Connect(spec.Hostname, spec.Address)
	if err != nil {
		h.Terminate(context.WithoutCancel(ctx))
		return nil, err
	}

	f, err := facts.Gather(ctx, conn)
	if err != nil {
		h.Terminate(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("probing guest: %w", err)
	}

	log.WithFields(logrus.Fields(f.Fields())).Info("guest is up")
	return h, nil
}

// awaitReady waits for the remote shell port. The wait ends early if the
// launcher exits with an error.
func (b *Booter) awaitReady(ctx context.Context, h *guest.Host, process *guest.Process) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if b.BootTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, b.BootTimeout)
		defer stop()
	}

	go func() {
		select {
		case <-process.Exited():
			if err := process.Err(); err != nil {
				cancel(fmt.Errorf("launcher exited: %w", err))
			}
		case <-ctx.Done():
		}
	}()

	if err := b.Waiter.Await(ctx, h.Address, b.SSHPort); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("waiting for ssh on %s: %w", h.Address, cause)
		}
		return fmt.Errorf("waiting for ssh on %s: %w", h.Address, err)
	}
	return nil
}

func (b *Booter) runID() string {
	id := b.RunID
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func (b *Booter) logger() logrus.FieldLogger {
	if b.Log == nil {
		return logrus.StandardLogger()
	}
	return b.Log
}
