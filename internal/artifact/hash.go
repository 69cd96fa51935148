package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainDefinition separates definition hashes from any other content hash.
const DomainDefinition = "reaqtor/definition/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DefinitionHash returns a stable content hash of an artifact's identity
// and definition. Two artifacts with the same URI, kind and definition hash
// identically regardless of map ordering or Unicode normalization form.
func DefinitionHash(a *Artifact) (string, error) {
	data, err := EncodeRecord(a)
	if err != nil {
		return "", fmt.Errorf("definition hash: %w", err)
	}
	return hashWithDomain(DomainDefinition, data), nil
}
