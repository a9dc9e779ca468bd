// Package config defines the structure and loading of meshprobe scenario files.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/eugenetaranov/meshprobe/internal/guest"
	"github.com/eugenetaranov/meshprobe/internal/kind"
)

// Transports a scenario may select.
const (
	TransportOpenSSH = "openssh"
	TransportNative  = "native"
)

// Defaults applied to fields a scenario leaves unset.
const (
	DefaultService     = "wgpull"
	DefaultServicePort = 2001
	DefaultSSHPort     = 22
	DefaultSSHUser     = "root"
)

// Scenario is a complete test scenario: which guests to boot and how to
// drive the service inside them.
type Scenario struct {
	// Path is the file the scenario was loaded from.
	Path string `yaml:"-"`

	// Name is a description of the scenario (default: file name).
	Name string `yaml:"name"`

	// Kind names the guest image family (openwrt, ubuntu).
	Kind string `yaml:"kind"`

	// Service is the package and unit prefix of the service under test.
	Service string `yaml:"service"`

	// Transport selects the remote shell implementation.
	Transport string `yaml:"transport"`

	// SSH holds remote shell credentials.
	SSH SSH `yaml:"ssh"`

	// Launcher describes how guests are started.
	Launcher Launcher `yaml:"launcher"`

	// Package is the service package to install.
	Package Package `yaml:"package"`

	// ServicePort is the lighthouse's listening port.
	ServicePort int `yaml:"service_port"`

	// ConfigPath is where the service reads its configuration on the guest.
	ConfigPath string `yaml:"config_path"`

	// Timing holds every delay and deadline of the run.
	Timing Timing `yaml:"timing"`

	// Hosts is the topology, in boot and report order.
	Hosts []Host `yaml:"hosts"`

	// Install replaces the kind's install commands when set.
	Install []string `yaml:"install"`

	// Vars are extra values available to install commands and fixtures.
	Vars map[string]string `yaml:"vars"`

	// Mutation reconfigures one host after convergence. Optional.
	Mutation *Mutation `yaml:"mutation"`

	// MetricsFile receives run metrics in Prometheus text format. Optional.
	MetricsFile string `yaml:"metrics_file"`

	// LogLevel is the logrus level name.
	LogLevel string `yaml:"log_level"`
}

// SSH holds the remote shell identity.
type SSH struct {
	Key  string `yaml:"key"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

// Launcher describes the guest launcher.
type Launcher struct {
	// Script is the launcher, relative to Dir (default: the kind's).
	Script string `yaml:"script"`

	// Dir is the launcher's working directory (default: scenario directory).
	Dir string `yaml:"dir"`

	// PidDir is where guests write their pidfiles (default: temp dir).
	PidDir string `yaml:"pid_dir"`

	// LogDir receives one launcher log per host. Empty discards output.
	LogDir string `yaml:"log_dir"`

	// SudoKill delivers termination signals through sudo.
	SudoKill bool `yaml:"sudo_kill"`
}

// Package is the service package.
type Package struct {
	// Path is the local package file.
	Path string `yaml:"path"`

	// Remote is the upload destination (default: /root/<service><ext>).
	Remote string `yaml:"remote"`
}

// Timing holds delays and deadlines.
type Timing struct {
	BootTimeout          time.Duration `yaml:"boot_timeout"`
	ServiceTimeout       time.Duration `yaml:"service_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	SettleBeforeBaseline time.Duration `yaml:"settle_before_baseline"`
	SettleAfterStart     time.Duration `yaml:"settle_after_start"`
	TerminateSettle      time.Duration `yaml:"terminate_settle"`
}

// DefaultTiming is the pacing used for timing fields a scenario omits.
var DefaultTiming = Timing{
	BootTimeout:          10 * time.Minute,
	ServiceTimeout:       5 * time.Minute,
	PollInterval:         5 * time.Second,
	SettleBeforeBaseline: 30 * time.Second,
	SettleAfterStart:     30 * time.Second,
	TerminateSettle:      guest.DefaultSettle,
}

// Host is one guest of the topology.
type Host struct {
	Role            guest.Role `yaml:"role"`
	Hostname        string     `yaml:"hostname"`
	Address         string     `yaml:"address"`
	InternalAddress string     `yaml:"internal_address"`
	OverlayAddress  string     `yaml:"overlay_address"`
	Gateway         string     `yaml:"gateway"`

	// Config is the local service configuration uploaded to the host.
	Config string `yaml:"config"`
}

// Mutation replaces one host's configuration after convergence.
type Mutation struct {
	Host   string `yaml:"host"`
	Config string `yaml:"config"`

	// OverlayAddress is the host's overlay address under the new
	// configuration (default: unchanged).
	OverlayAddress string `yaml:"overlay_address"`
}

// Lighthouse returns the lighthouse host, or nil.
func (s *Scenario) Lighthouse() *Host {
	for i := range s.Hosts {
		if s.Hosts[i].Role == guest.RoleLighthouse {
			return &s.Hosts[i]
		}
	}
	return nil
}

// Host returns the host with the given hostname, or nil.
func (s *Scenario) Host(hostname string) *Host {
	for i := range s.Hosts {
		if s.Hosts[i].Hostname == hostname {
			return &s.Hosts[i]
		}
	}
	return nil
}

// GetKind returns the registered kind, or nil.
func (s *Scenario) GetKind() kind.Kind {
	return kind.Get(s.Kind)
}

// applyDefaults fills unset fields. Timing defaults are set before decoding
// so that an explicit zero survives.
func (s *Scenario) applyDefaults() {
	if s.Name == "" && s.Path != "" {
		s.Name = filepath.Base(s.Path)
	}
	if s.Service == "" {
		s.Service = DefaultService
	}
	if s.Transport == "" {
		s.Transport = TransportOpenSSH
	}
	if s.SSH.User == "" {
		s.SSH.User = DefaultSSHUser
	}
	if s.SSH.Port == 0 {
		s.SSH.Port = DefaultSSHPort
	}
	if s.ServicePort == 0 {
		s.ServicePort = DefaultServicePort
	}
	if s.ConfigPath == "" {
		s.ConfigPath = fmt.Sprintf("/etc/%s/%s.conf", s.Service, s.Service)
	}

	k := s.GetKind()
	if k == nil {
		return
	}
	if s.Launcher.Script == "" {
		s.Launcher.Script = k.Launcher()
	}
	if s.Package.Remote == "" {
		s.Package.Remote = "/root/" + s.Service + k.PackageExt()
	}
	for i := range s.Hosts {
		if s.Hosts[i].Gateway == "" {
			s.Hosts[i].Gateway = k.Gateway()
		}
	}
}
