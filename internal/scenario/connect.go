package scenario

import (
	"fmt"

	"github.com/eugenetaranov/meshprobe/internal/config"
	"github.com/eugenetaranov/meshprobe/internal/connector"
	"github.com/eugenetaranov/meshprobe/internal/connector/native"
	"github.com/eugenetaranov/meshprobe/internal/connector/openssh"
)

// ConnectorFactory returns the transport used to reach a guest.
type ConnectorFactory func(s *config.Scenario, address string) (connector.Connector, error)

// NewConnector returns the transport selected by the scenario.
func NewConnector(s *config.Scenario, address string) (connector.Connector, error) {
	cfg := connector.Config{
		Host:    address,
		Port:    s.SSH.Port,
		User:    s.SSH.User,
		KeyPath: s.SSH.Key,
	}

	switch s.Transport {
	case config.TransportOpenSSH, "":
		return openssh.New(cfg), nil
	case config.TransportNative:
		return native.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", s.Transport)
	}
}
