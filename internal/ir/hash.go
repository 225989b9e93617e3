package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainVerdict prefixes verdict fingerprints. The version suffix lets the
// canonical form change without old and new fingerprints colliding.
const DomainVerdict = "isocheck/verdict/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the canonical JSON form of v under domain.
// Two runs with equal fingerprints observed the same verdict.
func Fingerprint(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}
