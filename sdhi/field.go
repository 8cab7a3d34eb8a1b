package sdhi

// Card registers travel most significant byte first. Bit 0 is the least
// significant bit of the last byte, so a field [hi:lo] of a 128 bit CSD is
// addressed exactly like in the register tables of the physical layer
// specification.

// Field extracts bits hi down to lo (at most 32 bits) of a register image.
func Field(reg []byte, hi, lo int) uint32 {
	var v uint32
	for b := hi; b >= lo; b-- {
		v = v<<1 | uint32(reg[len(reg)-1-b/8]>>(b%8)&1)
	}
	return v
}

// SetField stores v into bits hi down to lo of a register image.
func SetField(reg []byte, hi, lo int, v uint32) {
	for b := lo; b <= hi; b++ {
		i := len(reg) - 1 - b/8
		mask := byte(1) << (b % 8)
		if v&1 != 0 {
			reg[i] |= mask
		} else {
			reg[i] &^= mask
		}
		v >>= 1
	}
}
