package native

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/charmbracelet/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// testGuest is an in-process SSH server standing in for a booted guest.
type testGuest struct {
	addr    string
	keyPath string

	mu       sync.Mutex
	commands []string
	files    map[string]string
}

func startGuest(t *testing.T) *testGuest {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "ssh_key")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	authorized, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	g := &testGuest{keyPath: keyPath, files: make(map[string]string)}

	srv := &gliderssh.Server{
		Handler: g.handle,
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return ctx.User() == "root" && gliderssh.KeysEqual(key, authorized)
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g.addr = ln.Addr().String()

	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	return g
}

func (g *testGuest) handle(s gliderssh.Session) {
	cmd := s.RawCommand()

	g.mu.Lock()
	g.commands = append(g.commands, cmd)
	g.mu.Unlock()

	switch {
	case cmd == "uname -a":
		fmt.Fprintln(s, "Linux lighthouse 5.15.0 x86_64 GNU/Linux")
		_ = s.Exit(0)
	case cmd == "silent":
		_ = s.Exit(0)
	case strings.HasPrefix(cmd, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
		fmt.Fprintln(s, "some output")
		fmt.Fprintln(s.Stderr(), "some error")
		_ = s.Exit(code)
	case cmd == "vanish":
		// Close the channel without ever sending an exit-status.
		_ = s.Close()
	case strings.HasPrefix(cmd, "cat > "):
		data, _ := io.ReadAll(s)
		dst := strings.Trim(strings.TrimPrefix(cmd, "cat > "), "'")
		g.mu.Lock()
		g.files[dst] = string(data)
		g.mu.Unlock()
		_ = s.Exit(0)
	default:
		fmt.Fprintf(s.Stderr(), "sh: %s: not found\n", cmd)
		_ = s.Exit(127)
	}
}

func (g *testGuest) connector(t *testing.T) *Connector {
	host, portStr, err := net.SplitHostPort(g.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := New(connector.Config{Host: host, Port: port, KeyPath: g.keyPath},
		WithConnectTimeout(5*time.Second),
		WithAttemptDelay(10*time.Millisecond),
	)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRunSuccess(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	res, err := c.Run(context.Background(), "uname -a")
	require.NoError(t, err)

	assert.Equal(t, connector.Known(0), res.Status)
	assert.Equal(t, "Linux lighthouse 5.15.0 x86_64 GNU/Linux\n", res.Stdout)
	assert.Equal(t, "", res.Stderr)
}

func TestRunEmptyOutput(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	res, err := c.Run(context.Background(), "silent")
	require.NoError(t, err)

	assert.True(t, res.Status.Success())
	assert.Equal(t, "", res.Stdout)
	assert.Equal(t, "", res.Stderr)
}

func TestRunExitCodes(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	for _, code := range []int{1, 2, 127, 255} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			res, err := c.Run(context.Background(), fmt.Sprintf("exit %d", code))
			require.NoError(t, err)

			assert.Equal(t, connector.Known(code), res.Status)
			assert.Equal(t, "some output\n", res.Stdout)
			assert.Equal(t, "some error\n", res.Stderr)
		})
	}
}

func TestRunReusesClient(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	_, err := c.Run(context.Background(), "uname -a")
	require.NoError(t, err)
	first := c.client

	_, err = c.Run(context.Background(), "silent")
	require.NoError(t, err)
	assert.Same(t, first, c.client)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, []string{"uname -a", "silent"}, g.commands)
}

func TestRunMissingExitStatusIsUnknown(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	res, err := c.Run(context.Background(), "vanish")
	require.NoError(t, err)

	assert.False(t, res.Status.IsKnown())
	assert.Equal(t, "", res.Stdout)
}

func TestRunUnreachableIsUnknown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	g := startGuest(t)
	c := New(connector.Config{Host: "127.0.0.1", Port: port, KeyPath: g.keyPath},
		WithConnectTimeout(time.Second),
		WithAttemptDelay(time.Millisecond),
	)

	res, err := c.Run(context.Background(), "uname -a")
	require.NoError(t, err)

	assert.Equal(t, connector.Unknown, res.Status)
	assert.NotEmpty(t, res.Stderr)
	assert.Equal(t, "", res.Stdout)
}

func TestRunMissingKey(t *testing.T) {
	c := New(connector.Config{Host: "127.0.0.1", KeyPath: filepath.Join(t.TempDir(), "missing")})

	res, err := c.Run(context.Background(), "uname -a")
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestUpload(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	src := filepath.Join(t.TempDir(), "lighthouse.conf")
	require.NoError(t, os.WriteFile(src, []byte("[lighthouse]\nlisten = 0.0.0.0:2001\n"), 0o644))

	res, err := c.Upload(context.Background(), src, "/etc/wgpull/wgpull.conf")
	require.NoError(t, err)
	assert.True(t, res.Status.Success())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "[lighthouse]\nlisten = 0.0.0.0:2001\n", g.files["/etc/wgpull/wgpull.conf"])
}

func TestUploadMissingSource(t *testing.T) {
	g := startGuest(t)
	c := g.connector(t)

	res, err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.ipk"), "/root/wgpull.ipk")
	assert.Error(t, err)
	assert.Nil(t, res)
}

// silentGuest accepts TCP connections and never sends an SSH banner, like a
// guest whose sshd is still starting.
func silentGuest(t *testing.T) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestRunHandshakeTimeout(t *testing.T) {
	host, port := silentGuest(t)
	g := startGuest(t)

	c := New(connector.Config{Host: host, Port: port, KeyPath: g.keyPath},
		WithConnectTimeout(200*time.Millisecond),
		WithAttemptDelay(10*time.Millisecond),
	)

	done := make(chan *connector.Result, 1)
	go func() {
		res, err := c.Run(context.Background(), "true")
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, connector.Unknown, res.Status)
		assert.Contains(t, res.Stderr, "handshake")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not honour the connect timeout")
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
}

func TestRunHandshakeCancelled(t *testing.T) {
	host, port := silentGuest(t)
	g := startGuest(t)

	c := New(connector.Config{Host: host, Port: port, KeyPath: g.keyPath},
		WithConnectTimeout(time.Minute),
		WithAttemptDelay(10*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan *connector.Result, 1)
	go func() {
		res, err := c.Run(ctx, "true")
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, connector.Unknown, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the context ended")
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, connector.Known(0), statusFromError(nil))
	assert.Equal(t, connector.Unknown, statusFromError(&ssh.ExitMissingError{}))
	assert.Equal(t, connector.Unknown, statusFromError(io.EOF))
	assert.Equal(t, connector.Unknown, statusFromError(errors.New("connection reset by peer")))
}

func TestString(t *testing.T) {
	c := New(connector.Config{Host: "10.180.0.3"})
	assert.Equal(t, "ssh+native://root@10.180.0.3:22", c.String())
}
