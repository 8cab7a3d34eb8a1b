package sim

import (
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// TRAN_SPEED codes
const (
	Speed25MHz = 0x32
	Speed50MHz = 0x5a
	Speed20MHz = 0x2a // MMC default
)

// SDSCSpec returns a standard capacity SD card. v2 selects physical layer
// 2.00 (answers CMD8) over 1.x. The capacity follows from the CSD size
// fields: (cSize+1) << (mult+2) blocks of 1<<blLen bytes.
func SDSCSpec(v2 bool, cSize, mult, blLen uint32) Spec {
	s := Spec{Kind: SDSC1}
	if v2 {
		s.Kind = SDSC2
	}
	csd := s.CSD[:]
	sdhi.SetField(csd, 127, 126, 0)
	commonCSD(csd, blLen)
	sdhi.SetField(csd, 73, 62, cSize)
	sdhi.SetField(csd, 61, 50, 0xfff) // VDD currents
	sdhi.SetField(csd, 49, 47, mult)
	sdhi.SetField(csd, 46, 46, 1) // ERASE_BLK_EN
	sdhi.SetField(csd, 45, 39, 0x7f)

	s.CID = sdCID("SD001", 0x01000001)
	if v2 {
		s.SCR = scr(2, false)
	} else {
		s.SCR = scr(1, false)
	}
	s.SDStatus = sdStatus(0, 0)
	s.Seal()
	return s
}

// SDHCSpec returns a high capacity SD card of the given size, which is
// rounded down to a multiple of 1024 sectors.
func SDHCSpec(sectors uint32) Spec {
	s := Spec{Kind: SDHC}
	csd := s.CSD[:]
	sdhi.SetField(csd, 127, 126, 1)
	commonCSD(csd, 9)
	sdhi.SetField(csd, 69, 48, sectors/1024-1)
	sdhi.SetField(csd, 46, 46, 1)
	sdhi.SetField(csd, 45, 39, 0x7f)

	s.CID = sdCID("SDHC1", 0x02000002)
	s.SCR = scr(2, true)
	s.SDStatus = sdStatus(0x200, 9)
	s.Seal()
	return s
}

// MMCSpec returns a MultiMediaCard. specVers 4 and later support the 4 bit
// bus through SWITCH.
func MMCSpec(specVers, cSize, mult, blLen uint32) Spec {
	s := Spec{Kind: MMC}
	csd := s.CSD[:]
	sdhi.SetField(csd, 127, 126, 2) // CSD version 1.2
	sdhi.SetField(csd, 125, 122, specVers)
	commonCSD(csd, blLen)
	sdhi.SetField(csd, 103, 96, Speed20MHz)
	sdhi.SetField(csd, 73, 62, cSize)
	sdhi.SetField(csd, 49, 47, mult)
	sdhi.SetField(csd, 46, 42, 31) // ERASE_GRP_SIZE
	sdhi.SetField(csd, 41, 37, 31) // ERASE_GRP_MULT

	cid := s.CID[:]
	sdhi.SetField(cid, 127, 120, 0x15)
	sdhi.SetField(cid, 111, 104, 0x4e) // OID
	copy(cid[3:9], "MMC004")
	sdhi.SetField(cid, 55, 48, 0x10)
	sdhi.SetField(cid, 47, 16, 0x03000003)
	s.Seal()
	return s
}

func commonCSD(csd []byte, blLen uint32) {
	sdhi.SetField(csd, 119, 112, 0x0e) // TAAC 1ms
	sdhi.SetField(csd, 103, 96, Speed25MHz)
	sdhi.SetField(csd, 95, 84, 0x5b5) // CCC incl. class 7 lock
	sdhi.SetField(csd, 83, 80, blLen)
	sdhi.SetField(csd, 28, 26, 2)
	sdhi.SetField(csd, 25, 22, 9)
}

func sdCID(name string, serial uint32) (cid [16]byte) {
	sdhi.SetField(cid[:], 127, 120, 0x03)
	copy(cid[1:3], "SD")
	copy(cid[3:8], name)
	sdhi.SetField(cid[:], 63, 56, 0x80)
	sdhi.SetField(cid[:], 55, 24, serial)
	sdhi.SetField(cid[:], 19, 8, 0x18a) // 2024-10
	return
}

// scr builds a configuration register with SD_SPEC set to spec (0 for 1.0x, 1
// for 1.10, 2 for 2.00) and SD_SPEC3 set if v3.
func scr(spec uint32, v3 bool) (r [8]byte) {
	sdhi.SetField(r[:], 59, 56, spec)
	sdhi.SetField(r[:], 54, 52, 2) // SD_SECURITY
	sdhi.SetField(r[:], 51, 48, 5) // 1 and 4 bit
	if v3 {
		sdhi.SetField(r[:], 47, 47, 1)
	}
	return
}

func sdStatus(eraseSize, au uint32) (r [64]byte) {
	sdhi.SetField(r[:], 431, 428, au)
	sdhi.SetField(r[:], 423, 408, eraseSize)
	sdhi.SetField(r[:], 407, 402, 1)
	return
}

// SetSpecVersion rewrites the SD_SPEC field of the SCR. Pass 0 for the 1.0x
// physical layer.
func (s *Spec) SetSpecVersion(spec uint32, v3 bool) {
	s.SCR = scr(spec, v3)
}

// SetDSR marks the DSR as implemented in the CSD.
func (s *Spec) SetDSR() {
	sdhi.SetField(s.CSD[:], 76, 76, 1)
	s.Seal()
}

// SetROM marks the card as read only memory in the SD status.
func (s *Spec) SetROM() {
	sdhi.SetField(s.SDStatus[:], 495, 480, 1)
}

// SetProtectedArea sets SIZE_OF_PROTECTED_AREA of the SD status.
func (s *Spec) SetProtectedArea(v uint32) {
	sdhi.SetField(s.SDStatus[:], 479, 448, v)
}

// SetTempWriteProtect sets TMP_WRITE_PROTECT in the CSD.
func (s *Spec) SetTempWriteProtect() {
	sdhi.SetField(s.CSD[:], 12, 12, 1)
	s.Seal()
}

// Seal recomputes the CRC of CID and CSD after fields were changed.
func (s *Spec) Seal() {
	sdhi.Seal(s.CID[:])
	sdhi.Seal(s.CSD[:])
}
