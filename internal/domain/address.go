package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 20-byte account identifier in 0x-prefixed lowercase hex.
type Address string

const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress normalizes s and checks it is a 0x-prefixed 40 digit hex string.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return "", fmt.Errorf("invalid address %q", s)
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return Address(s), nil
}

// ParseAddresses parses every entry, failing on the first bad one.
func ParseAddresses(in []string) ([]Address, error) {
	out := make([]Address, 0, len(in))
	for _, s := range in {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (a Address) IsZero() bool {
	return a == ZeroAddress || a == ""
}

func (a Address) String() string { return string(a) }
