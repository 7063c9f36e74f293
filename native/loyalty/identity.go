package loyalty

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// AnonymousPrefix marks customer identifiers derived from a fingerprint.
const AnonymousPrefix = "anon_"

// Fingerprint derives a stable pseudonymous customer identifier from the
// client's network address and user agent. It is an approximation: clients
// sharing an address and browser collapse into one identity, and a client
// that changes either value becomes a new one.
func Fingerprint(remoteAddr, userAgent string) string {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	sum := sha256.Sum256([]byte(host + "|" + strings.TrimSpace(userAgent)))
	return AnonymousPrefix + hex.EncodeToString(sum[:8])
}

// IsAnonymous reports whether customerID was produced by Fingerprint.
func IsAnonymous(customerID string) bool {
	return strings.HasPrefix(customerID, AnonymousPrefix)
}
