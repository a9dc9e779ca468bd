// Package openssh provides a connector that drives the system ssh and scp binaries.
package openssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Connector executes commands on a guest by invoking ssh and scp.
type Connector struct {
	cfg connector.Config
	ssh string
	scp string
}

// Option configures the OpenSSH connector.
type Option func(*Connector)

// WithBinaries overrides the ssh and scp executables.
func WithBinaries(ssh, scp string) Option {
	return func(c *Connector) {
		c.ssh = ssh
		c.scp = scp
	}
}

// New creates a new OpenSSH connector for the given host.
func New(cfg connector.Config, opts ...Option) *Connector {
	c := &Connector{
		cfg: cfg.WithDefaults(),
		ssh: "ssh",
		scp: "scp",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Options returns the fixed hardening options passed to every invocation.
func Options() []string {
	return []string{
		"-o", fmt.Sprintf("ConnectTimeout=%d", connector.ConnectTimeout),
		"-o", fmt.Sprintf("ConnectionAttempts=%d", connector.ConnectionAttempts),
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
	}
}

// Connect verifies the ssh and scp binaries are available.
func (c *Connector) Connect(ctx context.Context) error {
	for _, bin := range []string{c.ssh, c.scp} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s command not found: %w", bin, err)
		}
	}
	return nil
}

// Run executes a command on the guest.
func (c *Connector) Run(ctx context.Context, cmd string) (*connector.Result, error) {
	return c.invoke(ctx, c.ssh, c.sshArgs(cmd))
}

// Upload copies a local file to the guest with scp.
func (c *Connector) Upload(ctx context.Context, src, dst string) (*connector.Result, error) {
	return c.invoke(ctx, c.scp, c.scpArgs(src, dst))
}

// sshArgs builds the ssh argument list; the command stays a single argument.
func (c *Connector) sshArgs(cmd string) []string {
	args := Options()
	if c.cfg.Port != connector.DefaultPort {
		args = append(args, "-p", strconv.Itoa(c.cfg.Port))
	}
	if c.cfg.KeyPath != "" {
		args = append(args, "-i", c.cfg.KeyPath)
	}
	return append(args, c.target(), cmd)
}

func (c *Connector) scpArgs(src, dst string) []string {
	args := Options()
	if c.cfg.Port != connector.DefaultPort {
		args = append(args, "-P", strconv.Itoa(c.cfg.Port))
	}
	if c.cfg.KeyPath != "" {
		args = append(args, "-i", c.cfg.KeyPath)
	}
	return append(args, src, c.target()+":"+dst)
}

func (c *Connector) target() string {
	return c.cfg.User + "@" + c.cfg.Host
}

func (c *Connector) invoke(ctx context.Context, bin string, args []string) (*connector.Result, error) {
	execCmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	result := &connector.Result{
		Status: connector.Known(0),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", bin, err)
		}
		result.Status = statusFromExit(exitErr)
	}

	return result, nil
}

// statusFromExit maps a process exit to a status. A process terminated by a
// signal has no exit code.
func statusFromExit(exitErr *exec.ExitError) connector.Status {
	code := exitErr.ExitCode()
	if code < 0 {
		return connector.Unknown
	}
	return connector.Known(code)
}

// Close is a no-op; every command uses its own ssh process.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d", c.cfg.User, c.cfg.Host, c.cfg.Port)
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
