package config

import (
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/eugenetaranov/meshprobe/internal/guest"
	"github.com/eugenetaranov/meshprobe/internal/kind"
)

// Validate checks the scenario and reports every problem found.
func (s *Scenario) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if s.Kind == "" {
		add("missing required 'kind' field")
	} else if kind.Get(s.Kind) == nil {
		add("unknown kind: %s (available: %v)", s.Kind, kind.List())
	}

	switch s.Transport {
	case TransportOpenSSH, TransportNative:
	default:
		add("invalid transport: %s (must be %s or %s)", s.Transport, TransportOpenSSH, TransportNative)
	}

	if s.SSH.Key == "" {
		add("missing required 'ssh.key' field")
	}
	if !validPort(s.SSH.Port) {
		add("invalid ssh.port: %d", s.SSH.Port)
	}
	if !validPort(s.ServicePort) {
		add("invalid service_port: %d", s.ServicePort)
	}
	if s.Package.Path == "" {
		add("missing required 'package.path' field")
	}
	if s.LogLevel != "" {
		if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
			add("invalid log_level: %s", s.LogLevel)
		}
	}

	t := s.Timing
	if t.PollInterval <= 0 {
		add("timing.poll_interval must be positive")
	}
	if t.BootTimeout <= 0 {
		add("timing.boot_timeout must be positive")
	}
	if t.ServiceTimeout <= 0 {
		add("timing.service_timeout must be positive")
	}
	if t.SettleBeforeBaseline < 0 || t.SettleAfterStart < 0 || t.TerminateSettle < 0 {
		add("timing settle intervals must not be negative")
	}

	for _, err := range s.validateHosts() {
		result = multierror.Append(result, err)
	}

	if m := s.Mutation; m != nil {
		if s.Host(m.Host) == nil {
			add("mutation: unknown host %q", m.Host)
		}
		if m.Config == "" {
			add("mutation: missing required 'config' field")
		}
		if m.OverlayAddress != "" && !isIPv4(m.OverlayAddress) {
			add("mutation: invalid overlay_address %q", m.OverlayAddress)
		}
	}

	return result.ErrorOrNil()
}

func (s *Scenario) validateHosts() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	lighthouses, nodes := 0, 0
	hostnames := make(map[string]bool)
	addresses := make(map[string]string)
	overlays := make(map[string]string)

	for i, h := range s.Hosts {
		name := h.Hostname
		if name == "" {
			name = fmt.Sprintf("host %d", i+1)
			add("%s: missing required 'hostname' field", name)
		} else if hostnames[name] {
			add("%s: duplicate hostname", name)
		}
		hostnames[name] = true

		switch h.Role {
		case guest.RoleLighthouse:
			lighthouses++
		case guest.RoleNode:
			nodes++
		default:
			add("%s: invalid role %q (must be %s or %s)", name, h.Role, guest.RoleLighthouse, guest.RoleNode)
		}

		if !isIPv4(h.Address) {
			add("%s: invalid address %q", name, h.Address)
		} else if other, ok := addresses[h.Address]; ok {
			add("%s: address %s already used by %s", name, h.Address, other)
		} else {
			addresses[h.Address] = name
		}

		if !isIPv4(h.OverlayAddress) {
			add("%s: invalid overlay_address %q", name, h.OverlayAddress)
		} else if other, ok := overlays[h.OverlayAddress]; ok {
			add("%s: overlay_address %s already used by %s", name, h.OverlayAddress, other)
		} else {
			overlays[h.OverlayAddress] = name
		}

		if h.InternalAddress != "" && !isIPv4(h.InternalAddress) {
			add("%s: invalid internal_address %q", name, h.InternalAddress)
		}
		if h.Gateway != "" && !isIPv4(h.Gateway) {
			add("%s: invalid gateway %q", name, h.Gateway)
		}
		if h.Config == "" {
			add("%s: missing required 'config' field", name)
		}
	}

	if lighthouses != 1 {
		add("topology needs exactly one lighthouse, found %d", lighthouses)
	}
	if nodes < 1 {
		add("topology needs at least one node")
	}
	return errs
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
