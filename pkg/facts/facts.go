// Package facts gathers system information from booted guests.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Facts describes a guest.
type Facts struct {
	// Uname is the output of `uname -a`.
	Uname string

	Hostname            string
	Kernel              string
	Architecture        string
	Arch                string
	Distribution        string
	DistributionVersion string
	OSName              string
	PkgManager          string
}

// ProbeError is returned when the guest does not answer the liveness probe.
type ProbeError struct {
	Cmd    string
	Result *connector.Result
}

func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("probe %q failed with status %s", e.Cmd, e.Result.Status)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += fmt.Sprintf("\nstderr: %s", s)
	}
	return msg
}

// Gather probes the guest with `uname -a` and collects what else it can.
// Only the probe is required to succeed; other facts are left empty when
// their command fails.
func Gather(ctx context.Context, conn connector.Connector) (*Facts, error) {
	const probe = "uname -a"
	result, err := conn.Run(ctx, probe)
	if err != nil {
		return nil, err
	}
	if !result.Status.Success() {
		return nil, &ProbeError{Cmd: probe, Result: result}
	}

	f := &Facts{Uname: strings.TrimSpace(result.Stdout)}

	f.Hostname = output(ctx, conn, "hostname")
	f.Kernel = output(ctx, conn, "uname -r")

	f.Architecture = output(ctx, conn, "uname -m")
	switch f.Architecture {
	case "x86_64", "amd64":
		f.Arch = "amd64"
	case "aarch64", "arm64":
		f.Arch = "arm64"
	case "armv7l":
		f.Arch = "arm"
	default:
		f.Arch = f.Architecture
	}

	if release := output(ctx, conn, "cat /etc/os-release 2>/dev/null"); release != "" {
		osRelease := parseOSRelease(release)
		f.Distribution = osRelease["ID"]
		f.DistributionVersion = osRelease["VERSION_ID"]
		f.OSName = osRelease["PRETTY_NAME"]
	}

	switch f.Distribution {
	case "openwrt":
		f.PkgManager = "opkg"
	case "ubuntu", "debian":
		f.PkgManager = "apt"
	case "alpine":
		f.PkgManager = "apk"
	}

	return f, nil
}

// Fields returns the non-empty facts keyed by name, for logging.
func (f *Facts) Fields() map[string]any {
	all := map[string]string{
		"uname":                f.Uname,
		"hostname":             f.Hostname,
		"kernel":               f.Kernel,
		"arch":                 f.Arch,
		"distribution":         f.Distribution,
		"distribution_version": f.DistributionVersion,
		"pkg_manager":          f.PkgManager,
	}
	fields := make(map[string]any, len(all))
	for k, v := range all {
		if v != "" {
			fields[k] = v
		}
	}
	return fields
}

// output runs cmd and returns its trimmed stdout, or "" on any failure.
func output(ctx context.Context, conn connector.Connector, cmd string) string {
	result, err := conn.Run(ctx, cmd)
	if err != nil || !result.Status.Success() {
		return ""
	}
	return strings.TrimSpace(result.Stdout)
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}
