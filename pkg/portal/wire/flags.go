package wire

import "fmt"

// Bit returns the flag for enumeration member n.
func Bit(n int) uint32 {
	return 1 << uint(n)
}

// DecodeFlags validates a packed flag set of a closed enumeration with the
// given number of members. Bits beyond the last member are protocol drift
// and are reported rather than masked off.
func DecodeFlags(field string, bits uint32, members int) (uint32, error) {
	if members >= 32 {
		return bits, nil
	}

	known := Bit(members) - 1
	if extra := bits &^ known; extra != 0 {
		return 0, unknown(field, fmt.Sprintf("bits %#x", extra))
	}
	return bits, nil
}

// DecodeEnum validates a uint32 ordinal against a closed enumeration.
func DecodeEnum(field string, ordinal uint32, members int) (uint32, error) {
	if ordinal >= uint32(members) {
		return 0, unknown(field, ordinal)
	}
	return ordinal, nil
}
