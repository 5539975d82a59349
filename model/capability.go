package model

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Capability is a bitmask of named permission units. An operation requires
// exactly one bit; an authorization grant carries any combination of bits.
type Capability uint32

// The fixed capability vocabulary shared by all addon families. Each family
// restricts itself to a subset when its interface is created.
const (
	CapabilityAccess Capability = 1 << iota
	CapabilityUpdate
	CapabilityExecute
)

// CapabilityNone is the empty grant.
const CapabilityNone Capability = 0

var capabilityNames = map[Capability]string{
	CapabilityAccess:  "ACCESS",
	CapabilityUpdate:  "UPDATE",
	CapabilityExecute: "EXECUTE",
}

// Has returns true if every bit of want is present in c. The empty
// capability is contained in every set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// IsSingleton returns true if exactly one bit is set.
func (c Capability) IsSingleton() bool {
	return bits.OnesCount32(uint32(c)) == 1
}

// Names returns the sorted names of every known bit in c. Unknown bits are
// rendered as hexadecimal so they are never silently dropped.
func (c Capability) Names() []string {
	var names []string
	for bit := Capability(1); bit != 0 && bit <= c; bit <<= 1 {
		if c&bit == 0 {
			continue
		}
		if name, ok := capabilityNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("0x%x", uint32(bit)))
		}
	}
	sort.Strings(names)
	return names
}

// String renders the capability as a "|"-joined list of names.
func (c Capability) String() string {
	if c == CapabilityNone {
		return "NONE"
	}
	return strings.Join(c.Names(), "|")
}

// ParseCapability resolves a single capability name (case-insensitive).
func ParseCapability(name string) (Capability, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for bit, n := range capabilityNames {
		if n == upper {
			return bit, nil
		}
	}
	return CapabilityNone, fmt.Errorf("model: unknown capability %q", name)
}

// ParseCapabilities combines a list of names into one bitmask.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		bit, err := ParseCapability(n)
		if err != nil {
			return CapabilityNone, err
		}
		c |= bit
	}
	return c, nil
}

// MarshalText renders the capability using its names.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the "|"-joined form produced by MarshalText.
func (c *Capability) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "NONE" {
		*c = CapabilityNone
		return nil
	}
	parsed, err := ParseCapabilities(strings.Split(s, "|"))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
