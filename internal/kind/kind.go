// Package kind describes the guest image families a scenario can boot.
package kind

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eugenetaranov/meshprobe/internal/guest"
)

// Action is a service control verb.
type Action string

// Service control verbs.
const (
	Start   Action = "start"
	Stop    Action = "stop"
	Restart Action = "restart"
)

// LaunchParams is the network identity handed to a launcher.
type LaunchParams struct {
	Hostname        string
	Address         string
	InternalAddress string
	Gateway         string
	MACs            []string
	Pidfile         string
}

// Kind is a guest image family. It knows how to launch a guest and how to
// drive packages and services inside it.
type Kind interface {
	// Name returns the kind's unique identifier.
	Name() string

	// Launcher returns the default launcher script, relative to the
	// launcher directory.
	Launcher() string

	// Gateway returns the default gateway guests of this kind are
	// configured with, or "" if they have none.
	Gateway() string

	// MACCount is how many MAC addresses the launcher expects.
	MACCount() int

	// LaunchArgs returns the launcher's positional parameters.
	LaunchArgs(p LaunchParams) []string

	// PackageExt is the file extension of the service package.
	PackageExt() string

	// InstallCommands returns the commands that install the package. They
	// may reference {{ package }} and the other scenario variables.
	InstallCommands() []string

	// ServiceCommand returns the command applying action to unit.
	ServiceCommand(unit string, action Action) string

	// LogCommand returns a command printing recent log lines of unit.
	LogCommand(unit string) string
}

// Unit returns the service unit name run by hosts of the given role.
func Unit(service string, role guest.Role) string {
	return fmt.Sprintf("%s-%s", service, role)
}

var (
	registry   = make(map[string]Kind)
	registryMu sync.RWMutex
)

// Register adds a kind to the registry.
// It panics if a kind with the same name is already registered.
func Register(k Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := k.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("kind %q is already registered", name))
	}
	registry[name] = k
}

// Get retrieves a kind by name. Returns nil if it is not registered.
func Get(name string) Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// List returns the sorted names of all registered kinds.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
