// Package native provides a connector built on the Go SSH client.
package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Connector executes commands on a guest over an in-process SSH client.
// The client is dialed lazily and reused until Close or a broken connection.
type Connector struct {
	cfg            connector.Config
	connectTimeout time.Duration
	attempts       int
	attemptDelay   time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// Option configures the native connector.
type Option func(*Connector)

// WithConnectTimeout overrides the per-attempt connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.connectTimeout = d
	}
}

// WithAttemptDelay sets the pause between connection attempts.
func WithAttemptDelay(d time.Duration) Option {
	return func(c *Connector) {
		c.attemptDelay = d
	}
}

// New creates a new native connector for the given host.
func New(cfg connector.Config, opts ...Option) *Connector {
	c := &Connector{
		cfg:            cfg.WithDefaults(),
		connectTimeout: connector.ConnectTimeout * time.Second,
		attempts:       connector.ConnectionAttempts,
		attemptDelay:   time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect dials the guest if no client is open yet.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.clientLocked(ctx)
	return err
}

func (c *Connector) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity %s: %w", c.cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity %s: %w", c.cfg.KeyPath, err)
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.connectTimeout,
	}, nil
}

// clientLocked returns the cached client or dials a new one, making up to
// the configured number of connection attempts.
func (c *Connector) clientLocked(ctx context.Context) (*ssh.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	sshCfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.attemptDelay), uint64(c.attempts-1)),
		ctx,
	)

	var client *ssh.Client
	err = backoff.Retry(func() error {
		var dialErr error
		client, dialErr = dial(ctx, addr, sshCfg)
		return dialErr
	}, b)
	if err != nil {
		return nil, err
	}

	c.client = client
	return client, nil
}

// dial connects and completes the SSH handshake within cfg.Timeout. The
// connection is closed if ctx ends before the handshake does.
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if cfg.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
			conn.Close()
			return nil, err
		}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	if !stop() {
		sshConn.Close()
		return nil, ctx.Err()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// session opens a new session, dialing first when needed. A failed session
// open drops the cached client so the next call redials.
func (c *Connector) session(ctx context.Context) (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.clientLocked(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		c.client = nil
		return nil, err
	}
	return sess, nil
}

// Run executes a command on the guest.
func (c *Connector) Run(ctx context.Context, cmd string) (*connector.Result, error) {
	if _, err := os.Stat(c.cfg.KeyPath); err != nil {
		return nil, fmt.Errorf("identity not usable: %w", err)
	}

	sess, err := c.session(ctx)
	if err != nil {
		return &connector.Result{Status: connector.Unknown, Stderr: err.Error()}, nil
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runErr := runContext(ctx, sess, func() error { return sess.Run(cmd) })

	return &connector.Result{
		Status: statusFromError(runErr),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}, nil
}

// Upload streams a local file into the guest through the remote shell.
func (c *Connector) Upload(ctx context.Context, src, dst string) (*connector.Result, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	if _, err := os.Stat(c.cfg.KeyPath); err != nil {
		return nil, fmt.Errorf("identity not usable: %w", err)
	}

	sess, err := c.session(ctx)
	if err != nil {
		return &connector.Result{Status: connector.Unknown, Stderr: err.Error()}, nil
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdin = f
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runErr := runContext(ctx, sess, func() error { return sess.Run("cat > " + connector.ShellQuote(dst)) })

	return &connector.Result{
		Status: statusFromError(runErr),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}, nil
}

// runContext runs fn and closes the session if ctx ends first.
func runContext(ctx context.Context, sess *ssh.Session, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sess.Close()
		<-done
		return ctx.Err()
	}
}

// statusFromError maps the outcome of an SSH session to a status. Only an
// exit-status message from the server produces a known code.
func statusFromError(err error) connector.Status {
	if err == nil {
		return connector.Known(0)
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return connector.Unknown
		}
		return connector.Known(exitErr.ExitStatus())
	}

	return connector.Unknown
}

// Close terminates the SSH client, if any.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh+native://%s@%s:%d", c.cfg.User, c.cfg.Host, c.cfg.Port)
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
