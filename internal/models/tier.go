package models

import (
	"fmt"
	"strings"
)

// Tier is a data-sensitivity classification controlling which embedding backend may
// process a document's text.
type Tier string

const (
	// TierPublic may use any hosted embedding API.
	TierPublic Tier = "public"
	// TierRestricted may only use backends inside the restricted network (e.g. a private Azure deployment).
	TierRestricted Tier = "restricted"
	// TierClosed must never leave the isolated environment.
	TierClosed Tier = "closed"
)

// Tiers lists every valid tier in ascending sensitivity.
var Tiers = []Tier{TierPublic, TierRestricted, TierClosed}

// ParseTier converts s (case-insensitive) into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q (want public, restricted or closed)", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierPublic, TierRestricted, TierClosed:
		return true
	}
	return false
}
