package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestKindsCommand(t *testing.T) {
	out, err := execute(t, "kinds")
	require.NoError(t, err)
	assert.Contains(t, out, "openwrt")
	assert.Contains(t, out, "ubuntu")
	assert.Contains(t, out, "Total: 2 kinds")
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate",
		filepath.Join("..", "..", "scenarios", "openwrt", "scenario.yaml"),
		filepath.Join("..", "..", "scenarios", "ubuntu", "scenario.yaml"),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "All 2 scenario(s) valid.")
}

func TestValidateCommandReportsFailures(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("kind: freebsd\n"), 0o644))

	out, err := execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL: "+bad)
	assert.Contains(t, out, "unknown kind: freebsd")
}
