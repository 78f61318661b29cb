package odoo

import (
	"encoding/json"
	"fmt"
)

// Domain is an Odoo search domain in its wire form: a list whose elements
// are either logical operator strings ("&", "|", "!") or three-element
// [field, operator, value] terms. Domains pass through this package opaquely;
// nothing here inspects or rewrites their terms, the server evaluates them.
type Domain []any

// ParseDomain decodes a JSON-encoded domain. An empty string decodes to the
// empty domain (match everything).
func ParseDomain(raw string) (Domain, error) {
	if raw == "" {
		return Domain{}, nil
	}
	var d Domain
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", raw, err)
	}
	return d, nil
}

// orEmpty returns d, substituting the empty domain for nil so the wire
// encoding is always a JSON array.
func (d Domain) orEmpty() Domain {
	if d == nil {
		return Domain{}
	}
	return d
}
