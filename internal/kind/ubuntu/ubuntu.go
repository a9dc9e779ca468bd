// Package ubuntu provides the Ubuntu guest kind.
package ubuntu

import (
	"fmt"

	"github.com/eugenetaranov/meshprobe/internal/kind"
)

func init() {
	kind.Register(&Kind{})
}

// Kind boots Ubuntu guests built by packer. Services are systemd units and
// packages are installed with dpkg after pulling in wireguard.
type Kind struct{}

// Name returns the kind identifier.
func (k *Kind) Name() string {
	return "ubuntu"
}

// Launcher returns the default launcher script.
func (k *Kind) Launcher() string {
	return "qemu/packer/start_ubuntu_20_04_qemu.sh"
}

// Gateway returns "": Ubuntu guests get no configured gateway.
func (k *Kind) Gateway() string {
	return ""
}

// MACCount returns 0; the launcher picks its own.
func (k *Kind) MACCount() int {
	return 0
}

// LaunchArgs returns the address and the pidfile.
func (k *Kind) LaunchArgs(p kind.LaunchParams) []string {
	return []string{p.Address, p.Pidfile}
}

// PackageExt returns the Debian package extension.
func (k *Kind) PackageExt() string {
	return ".deb"
}

// InstallCommands installs wireguard from the archive, then the package.
func (k *Kind) InstallCommands() []string {
	return []string{
		"apt-get install -y wireguard",
		"dpkg -i {{ package }}",
	}
}

// ServiceCommand drives the unit through systemctl.
func (k *Kind) ServiceCommand(unit string, action kind.Action) string {
	return fmt.Sprintf("systemctl %s %s", action, unit)
}

// LogCommand prints the unit's last 100 journal lines.
func (k *Kind) LogCommand(unit string) string {
	return fmt.Sprintf("journalctl -u %s -n 100", unit)
}
