package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/eugenetaranov/meshprobe/internal/config"
	"github.com/eugenetaranov/meshprobe/internal/connector"
	"github.com/eugenetaranov/meshprobe/internal/fixture"
	"github.com/eugenetaranov/meshprobe/internal/guest"
	"github.com/eugenetaranov/meshprobe/internal/kind"
)

// Step names as reported and recorded in metrics.
const (
	stepBoot           = "boot guests"
	stepSettleBaseline = "settle before baseline"
	stepBaseline       = "baseline reachability"
	stepInstall        = "install package"
	stepConfigure      = "upload configuration"
	stepStartServices  = "start services"
	stepAwaitService   = "await lighthouse service"
	stepSettleStart    = "settle after start"
	stepCollectLogs    = "collect service logs"
	stepOverlay        = "overlay reachability"
	stepMutate         = "mutate configuration"
	stepOverlayMutated = "overlay reachability after mutation"
	stepTeardown       = "terminate guests"
)

const (
	pingCommand   = "ping -W 2 -c 1 %s"
	uploadCommand = "upload %s -> %s"
)

type step struct {
	name string

	// run is nil for a step that does not apply to the scenario.
	run func(context.Context, *Transcript) error
}

// steps returns the scenario's steps after boot, in order.
func (r *Runner) steps() []step {
	s := r.scenario
	steps := []step{
		{stepSettleBaseline, r.settleStep(s.Timing.SettleBeforeBaseline)},
		{stepBaseline, func(ctx context.Context, tr *Transcript) error {
			return r.reachability(ctx, tr, r.transportTargets())
		}},
		{stepInstall, r.install},
		{stepConfigure, r.configure},
		{stepStartServices, r.startServices},
		{stepAwaitService, r.awaitService},
		{stepSettleStart, r.settleStep(s.Timing.SettleAfterStart)},
		{stepCollectLogs, r.collectLogs},
		{stepOverlay, func(ctx context.Context, tr *Transcript) error {
			return r.reachability(ctx, tr, r.overlayTargets(nil))
		}},
	}

	mutate := step{name: stepMutate}
	overlay := step{name: stepOverlayMutated}
	if m := s.Mutation; m != nil {
		mutate.run = r.mutate
		overlay.run = func(ctx context.Context, tr *Transcript) error {
			return r.reachability(ctx, tr, r.overlayTargets(map[string]string{m.Host: mutatedOverlay(s, m)}))
		}
	}
	return append(steps, mutate, overlay)
}

func (r *Runner) settleStep(d time.Duration) func(context.Context, *Transcript) error {
	return func(ctx context.Context, _ *Transcript) error {
		r.log.WithField("delay", d.String()).Info("settling")
		return r.sleep(ctx, d)
	}
}

// exec runs a command on h, records it and reports it.
func (r *Runner) exec(ctx context.Context, tr *Transcript, h *guest.Host, cmd string) (*connector.Result, error) {
	conn, err := r.connector(h.Hostname, h.Address)
	if err != nil {
		return nil, err
	}

	res, err := conn.Run(ctx, cmd)
	if err != nil {
		tr.add(Entry{Host: h.Hostname, Command: cmd, Err: err})
		return nil, err
	}

	tr.add(Entry{Host: h.Hostname, Command: cmd, Status: res.Status, Stdout: res.Stdout, Stderr: res.Stderr})
	r.out.Command(h.Hostname, cmd, res.Status.String(), res.Stdout, res.Stderr)
	return res, nil
}

// must runs cmd on h and asserts that it succeeds.
func (r *Runner) must(ctx context.Context, tr *Transcript, h *guest.Host, cmd, what string) error {
	res, err := r.exec(ctx, tr, h, cmd)
	if err != nil {
		r.metrics.ObserveAssertion(false)
		return &AssertionError{Host: h.Hostname, Message: fmt.Sprintf("%s: %v", what, err), Err: err}
	}

	ok := res.Status.Success()
	r.metrics.ObserveAssertion(ok)
	r.out.Check(h.Hostname, what, ok)
	if !ok {
		return &AssertionError{
			Host:    h.Hostname,
			Message: fmt.Sprintf("%s: %q exited with status %s", what, cmd, res.Status),
		}
	}
	return nil
}

// upload copies src to dst on h and asserts that the copy succeeds.
func (r *Runner) upload(ctx context.Context, tr *Transcript, h *guest.Host, src, dst, what string) error {
	desc := fmt.Sprintf(uploadCommand, src, dst)

	conn, err := r.connector(h.Hostname, h.Address)
	if err != nil {
		return err
	}

	res, err := conn.Upload(ctx, src, dst)
	if err != nil {
		tr.add(Entry{Host: h.Hostname, Command: desc, Err: err})
		r.metrics.ObserveAssertion(false)
		return &AssertionError{Host: h.Hostname, Message: fmt.Sprintf("%s: %v", what, err), Err: err}
	}

	status := res.Status
	tr.add(Entry{Host: h.Hostname, Command: desc, Status: status, Stdout: res.Stdout, Stderr: res.Stderr})
	r.out.Command(h.Hostname, desc, status.String(), res.Stdout, res.Stderr)

	ok := status.Success()
	r.metrics.ObserveAssertion(ok)
	r.out.Check(h.Hostname, what, ok)
	if !ok {
		return &AssertionError{
			Host:    h.Hostname,
			Message: fmt.Sprintf("%s: upload to %s exited with status %s", what, dst, status),
		}
	}
	return nil
}

// target is an address every host must reach.
type target struct {
	hostname string
	address  string
}

func (r *Runner) transportTargets() []target {
	targets := make([]target, 0, len(r.scenario.Hosts))
	for _, h := range r.scenario.Hosts {
		targets = append(targets, target{h.Hostname, h.Address})
	}
	return targets
}

// overlayTargets returns the overlay addresses, with overrides keyed by
// hostname taking precedence.
func (r *Runner) overlayTargets(overrides map[string]string) []target {
	targets := make([]target, 0, len(r.scenario.Hosts))
	for _, h := range r.scenario.Hosts {
		addr := h.OverlayAddress
		if o, ok := overrides[h.Hostname]; ok {
			addr = o
		}
		targets = append(targets, target{h.Hostname, addr})
	}
	return targets
}

// reachability pings every target from every host, itself included. All
// pairs are checked before failing so the error lists every broken path.
func (r *Runner) reachability(ctx context.Context, tr *Transcript, targets []target) error {
	var errs *multierror.Error
	var failedHosts []string
	total := 0

	for _, src := range r.topo.Hosts() {
		srcFailed := false
		for _, dst := range targets {
			total++
			cmd := fmt.Sprintf(pingCommand, dst.address)
			res, err := r.exec(ctx, tr, src, cmd)
			if err != nil {
				r.metrics.ObserveAssertion(false)
				return &AssertionError{Host: src.Hostname, Message: fmt.Sprintf("ping %s: %v", dst.hostname, err), Err: err}
			}

			ok := res.Status.Success()
			r.metrics.ObserveAssertion(ok)
			r.out.Check(src.Hostname, fmt.Sprintf("ping %s (%s)", dst.hostname, dst.address), ok)
			if !ok {
				errs = multierror.Append(errs, fmt.Errorf("%s cannot reach %s at %s: status %s",
					src.Hostname, dst.hostname, dst.address, res.Status))
				srcFailed = true
			}
		}
		if srcFailed {
			failedHosts = append(failedHosts, src.Hostname)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return &AssertionError{
			Host:    strings.Join(failedHosts, ", "),
			Message: fmt.Sprintf("%d of %d reachability checks failed", errs.Len(), total),
			Err:     err,
		}
	}
	return nil
}

// install uploads the package to every host and runs the install commands.
func (r *Runner) install(ctx context.Context, tr *Transcript) error {
	s := r.scenario
	commands := s.Install
	if len(commands) == 0 {
		commands = r.kind.InstallCommands()
	}

	for _, h := range r.topo.Hosts() {
		if err := r.upload(ctx, tr, h, s.Package.Path, s.Package.Remote, "upload package"); err != nil {
			return err
		}

		vars := hostVars(s, s.Host(h.Hostname))
		for _, c := range commands {
			cmd, err := vars.Interpolate(c)
			if err != nil {
				return &AssertionError{Host: h.Hostname, Message: err.Error(), Err: err}
			}
			if err := r.must(ctx, tr, h, cmd, "install"); err != nil {
				return err
			}
		}
	}
	return nil
}

// configure uploads every host's configuration.
func (r *Runner) configure(ctx context.Context, tr *Transcript) error {
	for _, h := range r.topo.Hosts() {
		spec := r.scenario.Host(h.Hostname)
		if err := r.uploadConfig(ctx, tr, h, *spec, nil); err != nil {
			return err
		}
	}
	return nil
}

// uploadConfig renders spec.Config if it is a template and uploads it.
func (r *Runner) uploadConfig(ctx context.Context, tr *Transcript, h *guest.Host, spec config.Host, overrides map[string]string) error {
	prepared, err := r.renderer.Prepare(spec.Config, r.fixtureData(spec, overrides))
	if err != nil {
		return &AssertionError{Host: h.Hostname, Message: err.Error(), Err: err}
	}

	r.log.WithFields(logrus.Fields{
		"hostname": h.Hostname,
		"fixture":  spec.Config,
		"rendered": prepared.Rendered,
		"checksum": prepared.Checksum,
	}).Debug("configuration prepared")

	return r.upload(ctx, tr, h, prepared.Path, r.scenario.ConfigPath, "upload configuration")
}

func (r *Runner) fixtureData(spec config.Host, overrides map[string]string) fixture.Data {
	s := r.scenario
	endpoint := func(h config.Host) fixture.Endpoint {
		overlay := h.OverlayAddress
		if o, ok := overrides[h.Hostname]; ok {
			overlay = o
		}
		return fixture.Endpoint{
			Hostname:        h.Hostname,
			Role:            string(h.Role),
			Address:         h.Address,
			InternalAddress: h.InternalAddress,
			OverlayAddress:  overlay,
			Gateway:         h.Gateway,
		}
	}

	data := fixture.Data{
		Scenario:    s.Name,
		Service:     s.Service,
		ServicePort: s.ServicePort,
		Host:        endpoint(spec),
		Vars:        s.Vars,
	}
	if data.Vars == nil {
		data.Vars = map[string]string{}
	}
	for _, h := range s.Hosts {
		e := endpoint(h)
		data.Hosts = append(data.Hosts, e)
		if h.Role == guest.RoleLighthouse {
			data.Lighthouse = e
		}
	}
	return data
}

// startServices starts the node service on every host, then the lighthouse
// service on the lighthouse.
func (r *Runner) startServices(ctx context.Context, tr *Transcript) error {
	nodeUnit := kind.Unit(r.scenario.Service, guest.RoleNode)
	for _, h := range r.topo.Hosts() {
		if err := r.must(ctx, tr, h, r.kind.ServiceCommand(nodeUnit, kind.Start), "start "+nodeUnit); err != nil {
			return err
		}
	}

	lighthouseUnit := kind.Unit(r.scenario.Service, guest.RoleLighthouse)
	lh := r.topo.Lighthouse()
	return r.must(ctx, tr, lh, r.kind.ServiceCommand(lighthouseUnit, kind.Start), "start "+lighthouseUnit)
}

// awaitService waits for the lighthouse's service port within the service
// timeout.
func (r *Runner) awaitService(ctx context.Context, _ *Transcript) error {
	s := r.scenario
	lh := r.topo.Lighthouse()

	ctx, cancel := context.WithTimeout(ctx, s.Timing.ServiceTimeout)
	defer cancel()

	err := r.waiter.Await(ctx, lh.Address, s.ServicePort)
	r.metrics.ObserveAssertion(err == nil)
	r.out.Check(lh.Hostname, fmt.Sprintf("port %d open", s.ServicePort), err == nil)
	if err != nil {
		return &AssertionError{
			Host:    lh.Hostname,
			Message: fmt.Sprintf("service port %s:%d did not open within %s", lh.Address, s.ServicePort, s.Timing.ServiceTimeout),
			Err:     err,
		}
	}
	return nil
}

// collectLogs records recent service logs of every host. Failures are
// logged and never fail the step.
func (r *Runner) collectLogs(ctx context.Context, tr *Transcript) error {
	s := r.scenario
	for _, h := range r.topo.Hosts() {
		units := []string{kind.Unit(s.Service, guest.RoleNode)}
		if h.Role == guest.RoleLighthouse {
			units = append(units, kind.Unit(s.Service, guest.RoleLighthouse))
		}
		for _, unit := range units {
			res, err := r.exec(ctx, tr, h, r.kind.LogCommand(unit))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.WithField("hostname", h.Hostname).WithError(err).Warn("failed to collect service logs")
				continue
			}
			r.log.WithFields(logrus.Fields{
				"hostname": h.Hostname,
				"unit":     unit,
				"status":   res.Status.String(),
				"lines":    strings.Count(res.Stdout, "\n"),
			}).Info("service logs collected")
		}
	}
	return nil
}

// mutate uploads the replacement configuration, restarts the host's node
// service and waits for the mesh to settle again.
func (r *Runner) mutate(ctx context.Context, tr *Transcript) error {
	s := r.scenario
	m := s.Mutation

	h := r.topo.Host(m.Host)
	if h == nil {
		return &AssertionError{Host: m.Host, Message: "host is not part of the topology"}
	}

	spec := *s.Host(m.Host)
	spec.Config = m.Config
	overrides := map[string]string{m.Host: mutatedOverlay(s, m)}

	if err := r.uploadConfig(ctx, tr, h, spec, overrides); err != nil {
		return err
	}

	nodeUnit := kind.Unit(s.Service, guest.RoleNode)
	if err := r.must(ctx, tr, h, r.kind.ServiceCommand(nodeUnit, kind.Restart), "restart "+nodeUnit); err != nil {
		return err
	}

	if err := r.awaitService(ctx, tr); err != nil {
		return err
	}
	return r.settleStep(s.Timing.SettleAfterStart)(ctx, tr)
}

// mutatedOverlay returns the mutated host's overlay address.
func mutatedOverlay(s *config.Scenario, m *config.Mutation) string {
	if m.OverlayAddress != "" {
		return m.OverlayAddress
	}
	if h := s.Host(m.Host); h != nil {
		return h.OverlayAddress
	}
	return ""
}
