package securestore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"runtime"
	"strings"
)

// FingerprintFunc computes the current device fingerprint. It must be
// deterministic for an unchanged environment.
type FingerprintFunc func() (string, error)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// DeviceFingerprint hashes stable attributes of the local environment:
// OS and architecture, host name, the current OS user and, where available,
// the machine id.
func DeviceFingerprint() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}

	parts := []string{runtime.GOOS, runtime.GOARCH, host}

	if u, err := user.Current(); err == nil {
		parts = append(parts, u.Uid, u.Username, u.HomeDir)
	}

	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			parts = append(parts, strings.TrimSpace(string(b)))
			break
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// StaticFingerprint returns a FingerprintFunc that always yields fp.
func StaticFingerprint(fp string) FingerprintFunc {
	return func() (string, error) { return fp, nil }
}
