// Package devicekey derives stable, non-reversible keys from device identity.
package devicekey

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a short digest of an access URL, safe to log in place of
// the URL itself (which embeds the device's encryption key).
func Fingerprint(accessURL string) string {
	if strings.TrimSpace(accessURL) == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(accessURL))
	return hex.EncodeToString(sum[:6])
}

// Cohort assigns a device to one of n cohorts. The assignment depends only on
// the device id, so it is stable across restarts.
func Cohort(deviceID string, n int) int {
	if n <= 1 {
		return 0
	}
	sum := blake2b.Sum256([]byte(deviceID))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}
