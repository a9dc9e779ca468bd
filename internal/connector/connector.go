// Package connector defines the interface for executing commands on guest hosts.
package connector

import (
	"context"
	"strconv"
	"strings"
)

// Status is the exit status of a remote command.
//
// The zero value is Unknown: the transport never reported a numeric exit
// code (connection dropped, process killed by a signal, channel closed
// without an exit-status). Unknown is never equal to any Known code.
type Status struct {
	code  int
	known bool
}

// Unknown is the status reported when the transport could not determine one.
var Unknown = Status{}

// Known returns the status for a real exit code reported by the transport.
func Known(code int) Status {
	return Status{code: code, known: true}
}

// Code returns the exit code and whether it is known.
func (s Status) Code() (int, bool) {
	return s.code, s.known
}

// IsKnown reports whether the transport reported an exit code.
func (s Status) IsKnown() bool {
	return s.known
}

// Success reports whether the command is known to have exited with code 0.
func (s Status) Success() bool {
	return s.known && s.code == 0
}

// String returns the exit code, or "unknown".
func (s Status) String() string {
	if !s.known {
		return "unknown"
	}
	return strconv.Itoa(s.code)
}

// Result holds the output from command execution.
//
// Stdout and Stderr are always decoded text; a command that produced no
// output yields empty strings.
type Result struct {
	Status Status
	Stdout string
	Stderr string
}

// Connector is the interface for connecting to and executing commands on guests.
//
// The command passed to Run is handed to the remote shell as a single opaque
// string. Connectors do no quoting or escaping of it; shell metacharacters are
// the caller's responsibility.
type Connector interface {
	// Connect prepares the transport. Implementations that connect lazily
	// may treat this as a validation step.
	Connect(ctx context.Context) error

	// Run executes a command on the target and captures its status and
	// output once it completes. Transport ambiguity is reported as an
	// Unknown status, not as an error; the error return is reserved for
	// failures to even invoke the transport locally.
	Run(ctx context.Context, cmd string) (*Result, error)

	// Upload copies a local file to a path on the target and returns the
	// transport's status for the copy along with anything the copy printed.
	// Errors follow the same rule as Run.
	Upload(ctx context.Context, src, dst string) (*Result, error)

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// Config holds common configuration for remote connectors.
type Config struct {
	// Host is the target IP address.
	Host string

	// Port is the remote shell port.
	Port int

	// User is the account commands run as.
	User string

	// KeyPath is the private key used for authentication.
	KeyPath string
}

// Remote shell hardening shared by all transports. Host key checking is
// disabled because every guest is an ephemeral, single-use test VM.
const (
	DefaultPort        = 22
	DefaultUser        = "root"
	ConnectTimeout     = 60 // seconds
	ConnectionAttempts = 4
)

// WithDefaults returns a copy of the config with unset fields defaulted.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	return c
}

// ShellQuote quotes s as a single POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
