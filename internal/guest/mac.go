package guest

import (
	"crypto/rand"
	"fmt"
)

// macPrefix is the locally administered QEMU vendor prefix.
var macPrefix = [3]byte{0x52, 0x54, 0x00}

// GenerateMAC returns a unicast MAC address of the form 52:54:00:XX:XX:XX.
// Consecutive calls may return the same address.
func GenerateMAC() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		macPrefix[0], macPrefix[1], macPrefix[2], b[0], b[1], b[2])
}

// GenerateMACs returns n distinct addresses for the interfaces of one guest.
func GenerateMACs(n int) []string {
	return distinctMACs(n, GenerateMAC)
}

func distinctMACs(n int, gen func() string) []string {
	macs := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for len(macs) < n {
		mac := gen()
		if seen[mac] {
			continue
		}
		seen[mac] = true
		macs = append(macs, mac)
	}
	return macs
}
