// Package identity resolves the device id and client id the cloud link
// presents on every connect upgrade (spec.md §6). Device id prefers the
// host's first MAC address; client id is minted once and persisted to disk
// so restarts keep presenting the same identity to the cloud.
package identity

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceID returns the host's first non-loopback hardware address, lowercase
// and colon-separated. If no interface reports one (containers, some CI
// runners), it falls back to a random UUID.
func DeviceID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return uuid.NewString()
	}
	for _, iface := range ifaces {
		addr := iface.HardwareAddr.String()
		if addr == "" || addr == "00:00:00:00:00:00" {
			continue
		}
		return strings.ToLower(addr)
	}
	return uuid.NewString()
}

// ClientID loads a previously-persisted client id from path. If none exists
// yet, it mints a new random UUID and writes it to path so later calls (i.e.
// after a restart) observe the same value. Failure to persist is non-fatal:
// the freshly minted id is still returned, just not remembered.
func ClientID(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err == nil {
		_ = os.WriteFile(path, []byte(id), 0o600)
	}
	return id
}
