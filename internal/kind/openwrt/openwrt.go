// Package openwrt provides the OpenWrt guest kind.
package openwrt

import (
	"fmt"

	"github.com/eugenetaranov/meshprobe/internal/kind"
)

func init() {
	kind.Register(&Kind{})
}

// DefaultGateway is the router address OpenWrt guests are configured with.
const DefaultGateway = "10.180.0.1"

// Kind boots OpenWrt guests. Services are controlled through init scripts
// and packages are installed with opkg.
type Kind struct{}

// Name returns the kind identifier.
func (k *Kind) Name() string {
	return "openwrt"
}

// Launcher returns the default launcher script.
func (k *Kind) Launcher() string {
	return "qemu/openwrt/start_openwrt_qemu.sh"
}

// Gateway returns the default gateway.
func (k *Kind) Gateway() string {
	return DefaultGateway
}

// MACCount returns 2: one for the LAN and one for the WAN interface.
func (k *Kind) MACCount() int {
	return 2
}

// LaunchArgs returns internal address, address, gateway, hostname, both MAC
// addresses and the pidfile, in that order.
func (k *Kind) LaunchArgs(p kind.LaunchParams) []string {
	macs := make([]string, 2)
	copy(macs, p.MACs)
	return []string{
		p.InternalAddress,
		p.Address,
		p.Gateway,
		p.Hostname,
		macs[0],
		macs[1],
		p.Pidfile,
	}
}

// PackageExt returns the opkg package extension.
func (k *Kind) PackageExt() string {
	return ".ipk"
}

// InstallCommands lists /root for the transcript, then installs the package.
func (k *Kind) InstallCommands() []string {
	return []string{
		"ls -lah /root",
		"opkg install {{ package }}",
	}
}

// ServiceCommand runs the unit's init script.
func (k *Kind) ServiceCommand(unit string, action kind.Action) string {
	return fmt.Sprintf("/etc/init.d/%s %s", unit, action)
}

// LogCommand filters the system log for the unit.
func (k *Kind) LogCommand(unit string) string {
	return fmt.Sprintf("logread -e %s", unit)
}
