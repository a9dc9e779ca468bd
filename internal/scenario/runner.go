// Package scenario drives a booted topology through install, service start
// and reachability checks.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/eugenetaranov/meshprobe/internal/config"
	"github.com/eugenetaranov/meshprobe/internal/connector"
	"github.com/eugenetaranov/meshprobe/internal/connector/local"
	"github.com/eugenetaranov/meshprobe/internal/fixture"
	"github.com/eugenetaranov/meshprobe/internal/guest"
	"github.com/eugenetaranov/meshprobe/internal/kind"
	"github.com/eugenetaranov/meshprobe/internal/metrics"
	"github.com/eugenetaranov/meshprobe/internal/output"
	"github.com/eugenetaranov/meshprobe/internal/portwait"
	"github.com/eugenetaranov/meshprobe/internal/topology"
)

// PortWaiter blocks until a TCP port accepts connections or ctx ends.
type PortWaiter interface {
	Await(ctx context.Context, host string, port int) error
}

// Runner runs one scenario.
type Runner struct {
	scenario *config.Scenario
	kind     kind.Kind

	out     *output.Output
	log     logrus.FieldLogger
	metrics *metrics.Recorder
	waiter  PortWaiter
	sleep   func(context.Context, time.Duration) error
	factory ConnectorFactory
	boot    topology.BootFunc
	workDir string
	runID   string

	mu    sync.Mutex
	conns map[string]connector.Connector

	topo     *topology.Topology
	renderer *fixture.Renderer
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput sets the progress output.
func WithOutput(o *output.Output) Option {
	return func(r *Runner) {
		r.out = o
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithWaiter replaces the port waiter.
func WithWaiter(w PortWaiter) Option {
	return func(r *Runner) {
		r.waiter = w
	}
}

// WithSleep replaces the settle sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) {
		r.sleep = fn
	}
}

// WithConnectorFactory replaces the transport constructor.
func WithConnectorFactory(f ConnectorFactory) Option {
	return func(r *Runner) {
		r.factory = f
	}
}

// WithBootFunc replaces guest booting.
func WithBootFunc(fn topology.BootFunc) Option {
	return func(r *Runner) {
		r.boot = fn
	}
}

// WithWorkDir sets where rendered fixtures are written. The directory is
// kept after the run.
func WithWorkDir(dir string) Option {
	return func(r *Runner) {
		r.workDir = dir
	}
}

// WithRunID sets the run identifier used in logs and pidfile names.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// New creates a runner for a validated scenario.
func New(s *config.Scenario, opts ...Option) (*Runner, error) {
	k := s.GetKind()
	if k == nil {
		return nil, fmt.Errorf("unknown kind: %s", s.Kind)
	}

	r := &Runner{
		scenario: s,
		kind:     k,
		out:      output.New(os.Stdout),
		log:      logrus.StandardLogger(),
		sleep:    sleepContext,
		factory:  NewConnector,
		runID:    uuid.NewString(),
		conns:    make(map[string]connector.Connector),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.log = r.log.WithFields(logrus.Fields{"run": r.runID, "scenario": s.Name})
	if r.metrics == nil {
		r.metrics = metrics.New(prometheus.Labels{"scenario": s.Name, "kind": s.Kind})
	}
	if r.waiter == nil {
		w := portwait.New(r.log)
		w.Delay = s.Timing.PollInterval
		r.waiter = w
	}
	if r.boot == nil {
		r.boot = r.newBooter().Boot
	}

	return r, nil
}

// newBooter wires guest launching to the scenario's launcher settings.
func (r *Runner) newBooter() *topology.Booter {
	s := r.scenario

	hostOpts := []guest.HostOption{
		guest.WithSettle(s.Timing.TerminateSettle),
		guest.WithActionObserver(r.metrics.ObserveTerminateAction),
	}
	if s.Launcher.SudoKill {
		sudo := connector.Logged(local.New(local.WithSudo("")), r.log, "localhost")
		hostOpts = append(hostOpts, guest.WithKiller(guest.NewSudoKiller(sudo)))
	}

	// Port waits during boot are bounded by the boot timeout only.
	waiter := portwait.New(r.log)
	waiter.Delay = s.Timing.PollInterval

	return &topology.Booter{
		Kind:        r.kind,
		Launcher:    s.Launcher,
		SSHPort:     s.SSH.Port,
		BootTimeout: s.Timing.BootTimeout,
		Waiter:      waiter,
		Connect:     r.connector,
		HostOptions: hostOpts,
		RunID:       r.runID,
		Log:         r.log,
	}
}

// RunID returns the run identifier.
func (r *Runner) RunID() string {
	return r.runID
}

// Metrics returns the run's metrics recorder.
func (r *Runner) Metrics() *metrics.Recorder {
	return r.metrics
}

// connector returns the cached, logged transport for a host.
func (r *Runner) connector(hostname, address string) (connector.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[hostname]; ok {
		return conn, nil
	}

	conn, err := r.factory(r.scenario, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	conn = connector.Logged(conn, r.log, hostname, r.metrics.ObserveCommand)
	r.conns[hostname] = conn
	return conn, nil
}

func (r *Runner) closeConnectors() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hostname, conn := range r.conns {
		if err := conn.Close(); err != nil {
			r.log.WithField("hostname", hostname).WithError(err).Debug("closing connector")
		}
	}
	r.conns = make(map[string]connector.Connector)
}

// Run boots the topology, executes every step in order and tears the
// topology down. The first failing step aborts the run. Teardown happens
// even if ctx is cancelled.
//
// The returned error is reserved for failures to set the run up; check
// RunResult.Success for the outcome.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	s := r.scenario

	if r.workDir == "" {
		dir, err := os.MkdirTemp("", "meshprobe-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
		defer os.RemoveAll(dir)
		r.workDir = dir
	}
	r.renderer = fixture.NewRenderer(r.workDir)

	stats := &Stats{StartTime: time.Now()}
	result := &RunResult{Success: true, Stats: stats}

	r.out.ScenarioStart(s.Name, s.Path)
	r.log.WithFields(logrus.Fields{"kind": s.Kind, "transport": s.Transport, "hosts": len(s.Hosts)}).Info("scenario started")

	if err := r.run(ctx, stats); err != nil {
		result.Success = false
		result.Err = err
		r.reportFailure(err)
	}

	stats.EndTime = time.Now()
	r.out.Recap(stats)
	r.metrics.ObserveRun(result.Success, stats.Duration())

	if s.MetricsFile != "" {
		if err := r.metrics.WriteFile(s.MetricsFile); err != nil {
			r.log.WithError(err).Warn("failed to write metrics")
		}
	}

	r.log.WithFields(logrus.Fields{"success": result.Success, "duration": stats.Duration().String()}).Info("scenario finished")
	return result, nil
}

func (r *Runner) run(ctx context.Context, stats *Stats) error {
	r.out.Section("BOOT")
	err := r.step(ctx, stats, stepBoot, func(ctx context.Context, _ *Transcript) error {
		topo, err := topology.Build(ctx, r.scenario.Hosts, r.boot)
		if err != nil {
			return err
		}
		r.topo = topo
		return nil
	})
	if err != nil {
		r.closeConnectors()
		r.skipRemaining(stats, r.steps())
		return err
	}

	defer r.teardown(context.WithoutCancel(ctx))

	r.out.Section("STEPS")
	steps := r.steps()
	for i, st := range steps {
		if st.run == nil {
			stats.Skipped++
			r.out.StepResult(st.name, "skipped", 0)
			continue
		}
		if err := r.step(ctx, stats, st.name, st.run); err != nil {
			r.skipRemaining(stats, steps[i+1:])
			return err
		}
	}
	return nil
}

func (r *Runner) teardown(ctx context.Context) {
	r.out.Section("TEARDOWN")
	start := time.Now()
	r.closeConnectors()
	r.topo.Close(ctx)
	r.out.StepResult(stepTeardown, "ok", time.Since(start))
}

func (r *Runner) skipRemaining(stats *Stats, steps []step) {
	for _, st := range steps {
		stats.Skipped++
		r.out.StepResult(st.name, "skipped", 0)
	}
}

// step runs one step with a fresh transcript. Assertion errors returned by
// fn are completed with the step name and transcript.
func (r *Runner) step(ctx context.Context, stats *Stats, name string, fn func(context.Context, *Transcript) error) error {
	stats.Steps++
	tr := &Transcript{}
	log := r.log.WithField("step", name)
	log.Info("step started")

	start := time.Now()
	err := fn(ctx, tr)
	d := time.Since(start)
	r.metrics.ObserveStep(name, d, err)

	if err != nil {
		var ae *AssertionError
		if errors.As(err, &ae) {
			if ae.Step == "" {
				ae.Step = name
			}
			if ae.Transcript == nil {
				ae.Transcript = tr
			}
		}
		stats.Failed++
		r.out.StepResult(name, "failed", d)
		log.WithError(err).WithField("duration", d.String()).Error("step failed")
		return err
	}

	stats.OK++
	r.out.StepResult(name, "ok", d)
	log.WithField("duration", d.String()).Info("step passed")
	return nil
}

func (r *Runner) reportFailure(err error) {
	var ae *AssertionError
	if errors.As(err, &ae) {
		r.out.Failure(ae.Error(), ae.Transcript.String())
		return
	}
	r.out.Failure(err.Error(), "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
