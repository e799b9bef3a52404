// Package concept provides type-safe parsing of catalog concept
// identifiers.
//
// A concept ID is structured as a one-letter type prefix, a numeric
// sequence, and the owning provider, e.g. "C1200000022-PROV1" for a
// collection. The ID alone is enough to derive the concept type and
// provider without consulting the catalog.
package concept

import (
	"fmt"
	"regexp"
	"strconv"
)

// Type is the kind of catalog entry a concept ID refers to.
type Type string

const (
	TypeCollection Type = "collection"
	TypeGranule    Type = "granule"
	TypeProvider   Type = "provider"
)

// IsValid returns true if this is a recognized concept type.
func (t Type) IsValid() bool {
	switch t {
	case TypeCollection, TypeGranule, TypeProvider:
		return true
	default:
		return false
	}
}

// String returns the string representation of the concept type.
func (t Type) String() string {
	return string(t)
}

var typePrefixes = map[byte]Type{
	'C': TypeCollection,
	'G': TypeGranule,
	'P': TypeProvider,
}

var idPattern = regexp.MustCompile(`^([A-Z])(\d+)-([A-Z0-9_]+)$`)

// ID is a parsed concept identifier. Immutable once created.
type ID struct {
	raw      string
	typ      Type
	sequence int64
	provider string
}

// Parse parses a concept ID string.
func Parse(s string) (ID, error) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("malformed concept ID: %q", s)
	}

	typ, ok := typePrefixes[m[1][0]]
	if !ok {
		return ID{}, fmt.Errorf("unknown concept type prefix %q in ID %q", m[1], s)
	}

	sequence, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid sequence in concept ID %q: %w", s, err)
	}

	return ID{
		raw:      s,
		typ:      typ,
		sequence: sequence,
		provider: m[3],
	}, nil
}

// Type returns the concept type encoded in the ID prefix.
func (id ID) Type() Type {
	return id.typ
}

// Provider returns the provider suffix of the ID.
func (id ID) Provider() string {
	return id.provider
}

// Sequence returns the numeric portion of the ID.
func (id ID) Sequence() int64 {
	return id.sequence
}

// String returns the original identifier.
func (id ID) String() string {
	return id.raw
}
