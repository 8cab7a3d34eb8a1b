package sdmmc

import (
	"fmt"
	"strings"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// CID is the card identification register.
type CID [16]byte

func (c CID) field(hi, lo int) uint32 { return sdhi.Field(c[:], hi, lo) }

func (c CID) ManufacturerID() uint8 { return uint8(c.field(127, 120)) }

// OEM returns the two character OEM/application ID of an SD card, or the
// hex OID byte of an MMC, whose CID carries the device type before it.
func (c CID) OEM(media MediaKind) string {
	if media&MediaMMC != 0 {
		return fmt.Sprintf("0x%02x", c.field(111, 104))
	}
	return string(c[1:3])
}

// Name returns the product name. MMC names are one character longer.
func (c CID) Name(media MediaKind) string {
	if media&MediaMMC != 0 {
		return strings.TrimRight(string(c[3:9]), " \x00")
	}
	return strings.TrimRight(string(c[3:8]), " \x00")
}

func (c CID) Serial(media MediaKind) uint32 {
	if media&MediaMMC != 0 {
		return c.field(47, 16)
	}
	return c.field(55, 24)
}

// Date returns year and month of manufacture of an SD card.
func (c CID) Date() (year, month int) {
	v := c.field(19, 8)
	return 2000 + int(v>>4), int(v & 0xf)
}

// CSD is the card specific data register.
type CSD [16]byte

func (c CSD) field(hi, lo int) uint32 { return sdhi.Field(c[:], hi, lo) }

func (c CSD) Structure() uint32 { return c.field(127, 126) }

// SpecVersion is SPEC_VERS of an MMC.
func (c CSD) SpecVersion() uint32 { return c.field(125, 122) }

func (c CSD) TranSpeed() uint8 { return uint8(c.field(103, 96)) }

func (c CSD) ReadBlLen() uint32 { return c.field(83, 80) }

func (c CSD) WriteBlLen() uint32 { return c.field(25, 22) }

func (c CSD) DSRImplemented() bool { return c.field(76, 76) != 0 }

func (c CSD) CSize() uint32 { return c.field(73, 62) }

func (c CSD) CSizeMult() uint32 { return c.field(49, 47) }

// CSizeHC is the 22 bit C_SIZE of CSD version 2.0.
func (c CSD) CSizeHC() uint32 { return c.field(69, 48) }

func (c CSD) TempWriteProtect() bool { return c.field(12, 12) != 0 }

func (c CSD) PermWriteProtect() bool { return c.field(13, 13) != 0 }

// highCapacity reports whether the SD size fields use the version 2.0 layout.
func (c CSD) highCapacity(media MediaKind) bool {
	return media&MediaSD != 0 && c.Structure() == 1
}

// Sectors returns the capacity in 512 byte sectors.
func (c CSD) Sectors(media MediaKind) uint32 {
	if c.highCapacity(media) {
		return (c.CSizeHC() + 1) * 1024
	}
	blocks := uint64(c.CSize()+1) << (c.CSizeMult() + 2)
	return uint32(blocks << c.ReadBlLen() / sdhi.SectorSize)
}

// EraseUnit returns the erase granularity in sectors as described by the CSD.
func (c CSD) EraseUnit(media MediaKind) uint32 {
	wbl := uint32(1) << c.WriteBlLen()
	if media&MediaMMC != 0 {
		return (c.field(46, 42) + 1) * (c.field(41, 37) + 1) * wbl / sdhi.SectorSize
	}
	if c.field(46, 46) != 0 {
		return 1
	}
	return (c.field(45, 39) + 1) * wbl / sdhi.SectorSize
}

// Transfer rate units and multipliers of TRAN_SPEED, the multipliers scaled
// by ten.
var (
	tranUnit = [8]uint32{10_000, 100_000, 1_000_000, 10_000_000}
	tranMult = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
)

// MaxClock decodes TRAN_SPEED to Hz.
func (c CSD) MaxClock() uint32 {
	v := c.TranSpeed()
	return tranUnit[v&7] * tranMult[v>>3&0xf]
}

// SCR is the SD configuration register.
type SCR [8]byte

func (s SCR) field(hi, lo int) uint32 { return sdhi.Field(s[:], hi, lo) }

func (s SCR) Spec() uint32 { return s.field(59, 56) }

func (s SCR) Spec3() bool { return s.field(47, 47) != 0 }

func (s SCR) BusWidths() uint32 { return s.field(51, 48) }

func (s SCR) Supports4Bit() bool { return s.BusWidths()&4 != 0 }

// SDStatus is the 512 bit SD status returned by ACMD13.
type SDStatus [64]byte

func (s SDStatus) field(hi, lo int) uint32 { return sdhi.Field(s[:], hi, lo) }

func (s SDStatus) BusWidth() uint32 { return s.field(511, 510) }

func (s SDStatus) CardType() uint32 { return s.field(495, 480) }

// ROM reports a read only card.
func (s SDStatus) ROM() bool { return s.CardType() == 1 }

func (s SDStatus) ProtectedArea() uint32 { return s.field(479, 448) }

func (s SDStatus) SpeedClass() uint32 { return s.field(447, 440) }

func (s SDStatus) AUSize() uint32 { return s.field(431, 428) }

func (s SDStatus) EraseSize() uint32 { return s.field(423, 408) }

// AUSectors returns the allocation unit in sectors, zero if undefined.
func (s SDStatus) AUSectors() uint32 {
	au := s.AUSize()
	if au == 0 || au > 9 {
		return 0
	}
	return 32 << (au - 1) // 16 KiB << (au - 1)
}

// Revision is the physical layer version of an SD card.
type Revision uint8

const (
	RevUnknown Revision = iota
	Rev1_0x
	Rev1_10
	Rev2_00
	Rev3_00
)

func (r Revision) String() string {
	switch r {
	case Rev1_0x:
		return "1.0x"
	case Rev1_10:
		return "1.10"
	case Rev2_00:
		return "2.00"
	case Rev3_00:
		return "3.00"
	}
	return "unknown"
}

// revision classifies the SCR. 3.00 needs both SD_SPEC and SD_SPEC3.
func revision(s SCR) Revision {
	switch {
	case s.Spec() == 0:
		return Rev1_0x
	case s.Spec() == 1:
		return Rev1_10
	case s.Spec3():
		return Rev3_00
	}
	return Rev2_00
}

// checkVersion verifies that the CSD structure fits the negotiated protocol.
func checkVersion(media MediaKind, csd CSD, rev Revision, ccs bool) error {
	st := csd.Structure()
	if media&MediaMMC != 0 {
		if st == 3 {
			return fmt.Errorf("%w: csd structure %d", ErrRegisterVersion, st)
		}
		return nil
	}
	switch {
	case st > 1:
		return fmt.Errorf("%w: csd structure %d", ErrRegisterVersion, st)
	case st == 1 && rev < Rev2_00:
		return fmt.Errorf("%w: csd 2.0 on %v card", ErrRegisterVersion, rev)
	case (st == 1) != ccs:
		return fmt.Errorf("%w: capacity status does not match csd", ErrRegisterVersion)
	}
	return nil
}

// protectedSectors converts SIZE_OF_PROTECTED_AREA to sectors. Standard
// capacity cards count in units of MULT*BLOCK_LEN.
func protectedSectors(csd CSD, st SDStatus, hc bool) uint32 {
	v := uint64(st.ProtectedArea())
	if hc {
		return uint32(v / sdhi.SectorSize)
	}
	return uint32(v << (csd.CSizeMult() + 2) << csd.ReadBlLen() / sdhi.SectorSize)
}
