// Package sdhi describes the SD host interface controller as seen by the card
// protocol engine: its register map, the command word layout and the Port
// through which registers, clocks, interrupts and DMA are reached.
//
// Nothing in this package talks to hardware directly. A board support package
// implements Port, the simulator in sdhi/sim implements it in software.
package sdhi

// Reg is a register offset within one controller channel.
type Reg uint32

const (
	RegCmd       Reg = 0x000 // SD_CMD
	RegPortSel   Reg = 0x004 // SD_PORTSEL
	RegArg       Reg = 0x008 // SD_ARG1:SD_ARG0
	RegStop      Reg = 0x010 // SD_STOP
	RegSecCnt    Reg = 0x014 // SD_SECCNT
	RegRsp10     Reg = 0x018 // SD_RSP1:SD_RSP0
	RegRsp32     Reg = 0x020 // SD_RSP3:SD_RSP2
	RegRsp54     Reg = 0x028 // SD_RSP5:SD_RSP4
	RegRsp76     Reg = 0x030 // SD_RSP7:SD_RSP6
	RegInfo1     Reg = 0x038 // SD_INFO1
	RegInfo2     Reg = 0x03c // SD_INFO2
	RegInfo1Mask Reg = 0x040 // SD_INFO1_MASK
	RegInfo2Mask Reg = 0x044 // SD_INFO2_MASK
	RegClkCtrl   Reg = 0x048 // SD_CLK_CTRL
	RegSize      Reg = 0x04c // SD_SIZE
	RegOption    Reg = 0x050 // SD_OPTION
	RegErrSts1   Reg = 0x058 // SD_ERR_STS1
	RegErrSts2   Reg = 0x05c // SD_ERR_STS2
	RegBuf0      Reg = 0x060 // SD_BUF0
	RegExtMode   Reg = 0x1b0 // CC_EXT_MODE
	RegSoftRst   Reg = 0x1c0 // SOFT_RST
	RegVersion   Reg = 0x1c4 // VERSION
)

// Info1 is the SD_INFO1 register: transfer progress and card detection.
// Latched bits are cleared by writing zero to them.
type Info1 uint32

const (
	Info1RespEnd      Info1 = 1 << 0 // response received
	Info1AccessEnd    Info1 = 1 << 2 // data phase or busy finished
	Info1CardRemoved  Info1 = 1 << 3
	Info1CardInserted Info1 = 1 << 4
	Info1CardDetect   Info1 = 1 << 5 // card present, not latched
	Info1WriteProtect Info1 = 1 << 7 // WP pin asserted, not latched

	Info1All = Info1RespEnd | Info1AccessEnd | Info1CardRemoved | Info1CardInserted
)

// Info2 is the SD_INFO2 register: buffer and error status. The error bits are
// ordered by severity, see Highest.
type Info2 uint32

const (
	Info2CmdError      Info2 = 1 << iota // ERR0, command index or argument error
	Info2CRCError                        // ERR1
	Info2EndBitError                     // ERR2
	Info2DataTimeout                     // ERR3
	Info2BufOverflow                     // ERR4, write buffer overrun
	Info2BufUnderrun                     // ERR5, read buffer underrun
	Info2RespTimeout                     // ERR6
	_
	Info2ReadReady  // BRE
	Info2WriteReady // BWE
)

const (
	Info2ClkDivEnabled Info2 = 1 << 13 // SCLKDIVEN, bus idle
	Info2CmdBusy       Info2 = 1 << 14 // CBSY
	Info2IllegalAccess Info2 = 1 << 15 // ILA

	Info2Errors = Info2IllegalAccess | Info2RespTimeout | Info2BufUnderrun |
		Info2BufOverflow | Info2DataTimeout | Info2EndBitError | Info2CRCError |
		Info2CmdError
	Info2All = Info2Errors | Info2ReadReady | Info2WriteReady
)

// Highest returns the most significant error bit set in v, or zero.
func (v Info2) Highest() Info2 {
	e := v & Info2Errors
	for bit := Info2IllegalAccess; bit != 0; bit >>= 1 {
		if e&bit != 0 {
			return bit
		}
	}
	return 0
}

// Stop is the SD_STOP register.
type Stop uint32

const (
	StopAbort      Stop = 1 << 0 // STP, terminate the data phase now
	StopBlockCount Stop = 1 << 8 // SEC, auto CMD12 after SD_SECCNT blocks
)

// ClkCtrl is the SD_CLK_CTRL register.
type ClkCtrl uint32

const (
	ClkEnable  ClkCtrl = 1 << 8
	ClkDivMask ClkCtrl = 0xff
)

// Option is the SD_OPTION register. Its timeout and detect counters are part of
// the configuration that survives a soft reset.
type Option uint32

const (
	OptionWidth1   Option = 1 << 15 // 1-bit bus when set, 4-bit when clear
	OptionDefault  Option = 0x40ee | OptionWidth1
	OptionCounters Option = 0x00ff
)

// ExtMode is the CC_EXT_MODE register.
type ExtMode uint32

const ExtModeDMA ExtMode = 1 << 1

// SoftRst is the SOFT_RST register. Clearing SoftRstRelease resets the
// command and data state machines.
type SoftRst uint32

const (
	SoftRstRelease SoftRst = 1 << 0
	SoftRstIdle    SoftRst = 0x6
)

// SectorSize is the fixed data block length used for memory access.
const SectorSize = 512
