// Package address handles validation and normalization of on-chain
// account addresses as they arrive on the API surface.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// addressRegex matches a 0x-prefixed 20-byte hex address.
// Example: 0x1A2b3C4d5E6f7a8B9c0D1e2F3a4B5c6D7e8F9a0B
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var (
	ErrInvalidAddress = errors.New("address: invalid address format")
	ErrEmptyAddress   = errors.New("address: empty address")
)

// Parse validates an address string and returns its canonical lowercase
// form. All internal maps and stores key on the canonical form so mixed-case
// requests hit the same position.
func Parse(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmptyAddress
	}
	if !addressRegex.MatchString(raw) {
		return "", fmt.Errorf("%w: %s (expected 0x followed by 40 hex characters)",
			ErrInvalidAddress, raw)
	}
	return strings.ToLower(raw), nil
}
