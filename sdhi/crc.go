package sdhi

import (
	"encoding/binary"

	"github.com/sigurn/crc8"
)

// CRC-7/MMC computed as a CRC-8 over the polynomial shifted left by one. The
// upper seven bits of the result are the CRC7.
var crc7Table = crc8.MakeTable(crc8.Params{0x12, 0x00, false, false, 0x00, 0xea, "CRC-7/MMC"})

// CRC7 returns the 7 bit CRC of p as used by command frames and the CID and
// CSD registers.
func CRC7(p []byte) uint8 {
	return crc8.Checksum(p, crc7Table) >> 1
}

// Frame is a 48 bit command token as it appears on the CMD line.
type Frame [6]byte

// NewFrame encodes command index and argument with start, transmission and
// end bits and the CRC7.
func NewFrame(index uint8, arg uint32) (f Frame) {
	f[0] = 0x40 | index&0x3f
	binary.BigEndian.PutUint32(f[1:5], arg)
	f[5] = CRC7(f[:5])<<1 | 1
	return
}

func (f Frame) Index() uint8 { return f[0] & 0x3f }

func (f Frame) Arg() uint32 { return binary.BigEndian.Uint32(f[1:5]) }

// Valid checks the framing bits and the CRC.
func (f Frame) Valid() bool {
	return f[0]&0xc0 == 0x40 && f[5]&1 == 1 && f[5]>>1 == CRC7(f[:5])
}

// Seal stores the CRC7 of a 128 bit register image in its last byte.
func Seal(reg []byte) {
	reg[len(reg)-1] = CRC7(reg[:len(reg)-1])<<1 | 1
}

// Sealed reports whether the last byte of reg holds its CRC7.
func Sealed(reg []byte) bool {
	return reg[len(reg)-1] == CRC7(reg[:len(reg)-1])<<1|1
}
