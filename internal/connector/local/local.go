// Package local provides a connector for executing commands on the harness machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"runtime"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Connector executes commands on the local machine.
type Connector struct {
	shell     string
	shellArgs []string
	sudo      bool
	sudoUser  string
}

// Option configures the local connector.
type Option func(*Connector)

// WithSudo enables sudo for command execution. An empty user means root.
func WithSudo(user string) Option {
	return func(c *Connector) {
		c.sudo = true
		c.sudoUser = user
	}
}

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		shell:     "/bin/sh",
		shellArgs: []string{"-c"},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies we're on a supported platform.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return nil
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Run executes a command locally and returns the result.
func (c *Connector) Run(ctx context.Context, cmd string) (*connector.Result, error) {
	args := append(append([]string{}, c.shellArgs...), c.buildCommand(cmd))
	execCmd := exec.CommandContext(ctx, c.shell, args...)

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
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		if code := exitErr.ExitCode(); code >= 0 {
			result.Status = connector.Known(code)
		} else {
			result.Status = connector.Unknown
		}
	}

	return result, nil
}

// buildCommand wraps the command with sudo if configured.
func (c *Connector) buildCommand(cmd string) string {
	if !c.sudo {
		return cmd
	}

	if c.sudoUser != "" {
		return fmt.Sprintf("sudo -n -u %s -- %s", c.sudoUser, cmd)
	}
	return fmt.Sprintf("sudo -n -- %s", cmd)
}

// Upload copies a local file to another local path.
func (c *Connector) Upload(ctx context.Context, src, dst string) (*connector.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &connector.Result{Status: connector.Known(1), Stderr: err.Error()}, nil
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return &connector.Result{Status: connector.Known(1), Stderr: err.Error()}, nil
	}

	return &connector.Result{Status: connector.Known(0)}, nil
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	if c.sudo && c.sudoUser != "" {
		return fmt.Sprintf("local://%s@%s (sudo as %s)", u.Username, hostname, c.sudoUser)
	}
	if c.sudo {
		return fmt.Sprintf("local://%s@%s (sudo)", u.Username, hostname)
	}
	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
