// Package values holds small value helpers shared by the domain packages.
package values

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks digests produced by CanonicalHash.
const HashPrefix = "sha256:"

// Canonical returns the RFC 8785 canonical JSON encoding of v, so the same
// content always yields the same bytes regardless of field or key order.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns "sha256:" followed by the hex digest of the
// canonical encoding of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}
