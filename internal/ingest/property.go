package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// propertyKeyLen is the number of hex characters kept from the address digest.
const propertyKeyLen = 12

// PropertyKey namespaces all state and storage belonging to one listing.
type PropertyKey string

// NormalizeAddress case-folds an address and collapses all whitespace runs to a
// single space.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

// NewPropertyKey derives the stable key for an address. Addresses that only
// differ in case or spacing map to the same key.
func NewPropertyKey(address string) PropertyKey {
	sum := sha256.Sum256([]byte(NormalizeAddress(address)))
	return PropertyKey(hex.EncodeToString(sum[:])[:propertyKeyLen])
}

// NewProperty builds a Property from a raw address.
func NewProperty(address string) Property {
	return Property{Key: NewPropertyKey(address), Address: strings.TrimSpace(address)}
}

// ParsePropertyKey reports whether s is a key in canonical form, i.e. the
// lowercase hex prefix NewPropertyKey produces.
func ParsePropertyKey(s string) (PropertyKey, bool) {
	if len(s) != propertyKeyLen || strings.ToLower(s) != s {
		return "", false
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", false
	}
	return PropertyKey(s), true
}
