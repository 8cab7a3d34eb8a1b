package sim

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/d-kato/mbed-gr-libs-sub001/debug"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// Kind selects the protocol personality of a simulated card.
type Kind uint8

const (
	SDSC1 Kind = iota // SD physical layer 1.x, no CMD8
	SDSC2             // SD 2.00 standard capacity
	SDHC              // SD 2.00 high capacity
	MMC
)

func (k Kind) sd() bool { return k != MMC }

// Store is the backing memory of a card.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

// Spec describes the registers and behaviour of a card. See the constructors
// in fixtures.go for consistent register sets.
type Spec struct {
	Kind     Kind
	CID      [16]byte
	CSD      [16]byte
	SCR      [8]byte
	SDStatus [64]byte

	// BusyPolls is the number of ACMD41 or CMD1 polls answered busy before
	// power up completes.
	BusyPolls int

	// Password locks the card at every reset if set.
	Password []byte

	// WriteProtect is the position of the mechanical write protect switch.
	WriteProtect bool
}

// Card is the protocol state machine of a single SD or MMC card.
type Card struct {
	spec    Spec
	store   Store
	sectors uint32
	faults  *Faults

	state    sdhi.CardState
	status   sdhi.CardStatus
	app      bool
	v2       bool
	ready    bool
	ccs      bool
	polls    int
	rca      uint16
	nextRCA  uint16
	dsr      uint16
	blockLen uint32
	width    int
	locked   bool
	password []byte

	op      *dataOp
	written uint32
	prg     int // status polls left in the programming state

	eraseStart, eraseEnd int64
}

type dataOp struct {
	cmd  sdhi.Command
	addr uint32
	n    uint32
	data []byte // fixed size register reads
}

func NewCard(spec Spec, store Store) *Card {
	c := &Card{
		spec:     spec,
		store:    store,
		password: bytes.Clone(spec.Password),
		nextRCA:  0xb368,
		faults:   &Faults{},
	}
	c.sectors = capacity(spec.Kind, spec.CSD[:])
	c.reset()
	return c
}

// Sectors is the capacity of the card in 512 byte sectors.
func (c *Card) Sectors() uint32 { return c.sectors }

// State returns the current protocol state.
func (c *Card) State() sdhi.CardState { return c.state }

// Locked reports whether the card currently refuses memory access.
func (c *Card) Locked() bool { return c.locked }

// Width returns the data bus width selected by the host.
func (c *Card) Width() int { return c.width }

// DSR returns the driver stage register value, zero if never set.
func (c *Card) DSR() uint16 { return c.dsr }

func (c *Card) reset() {
	c.state = sdhi.StateIdle
	c.status = 0
	c.app = false
	c.v2 = false
	c.ready = false
	c.ccs = false
	c.polls = 0
	c.rca = 0
	c.blockLen = sdhi.SectorSize
	c.width = 1
	c.locked = len(c.password) > 0
	c.op = nil
	c.eraseStart, c.eraseEnd = -1, -1
}

// capacity mirrors the CSD size formulas independently from the driver.
func capacity(kind Kind, csd []byte) uint32 {
	if kind.sd() && sdhi.Field(csd, 127, 126) == 1 {
		return (sdhi.Field(csd, 69, 48) + 1) * 1024
	}
	cSize := sdhi.Field(csd, 73, 62)
	mult := sdhi.Field(csd, 49, 47)
	blLen := sdhi.Field(csd, 83, 80)
	return uint32((uint64(cSize+1) << (mult + 2 + blLen)) / sdhi.SectorSize)
}

func (c *Card) writeProtected() bool {
	return c.spec.WriteProtect ||
		sdhi.Field(c.spec.CSD[:], 13, 13) != 0 || sdhi.Field(c.spec.CSD[:], 12, 12) != 0
}

// report returns the status for a response and clears the bits that are
// cleared on read.
func (c *Card) report(received sdhi.CardState) uint32 {
	s := c.status.WithState(received)
	if c.locked {
		s |= sdhi.StatusCardLocked
	}
	if c.state == sdhi.StateTran {
		s |= sdhi.StatusReadyForData
	}
	c.status &^= sdhi.StatusClearOnRead
	return uint32(s)
}

func (c *Card) illegal() (resp [4]uint32, ok bool) {
	c.status |= sdhi.StatusIllegalCommand
	return resp, false
}

func (c *Card) addressed(arg uint32) bool {
	return uint16(arg>>16) == c.rca
}

// sector converts a data command argument to a sector number. High capacity
// cards are block addressed, all others byte addressed.
func (c *Card) sector(arg uint32) (uint32, bool) {
	if c.ccs {
		return arg, true
	}
	if arg%sdhi.SectorSize != 0 {
		return 0, false
	}
	return arg / sdhi.SectorSize, true
}

// execute runs one command. ok is false if the card stays silent, which the
// controller reports as a response timeout.
func (c *Card) execute(cmd sdhi.Command, arg uint32) (resp [4]uint32, ok bool) {
	app := c.app && cmd.App()
	c.app = false
	if cmd.App() && !app {
		return c.illegal()
	}
	received := c.state

	if app {
		return c.executeApp(cmd, arg, received)
	}

	switch cmd.Index() {
	case 0:
		c.reset()
		return resp, true

	case 1:
		if c.spec.Kind.sd() || (c.state != sdhi.StateIdle && c.state != sdhi.StateReady) {
			return c.illegal()
		}
		return c.opCond(arg, false), true

	case 2:
		if c.state != sdhi.StateReady {
			return c.illegal()
		}
		c.state = sdhi.StateIdent
		return words(c.spec.CID[:]), true

	case 3:
		if c.spec.Kind == MMC {
			if c.state != sdhi.StateIdent {
				return c.illegal()
			}
			c.rca = uint16(arg >> 16)
			c.state = sdhi.StateStby
			resp[0] = c.report(received)
			return resp, true
		}
		if c.state != sdhi.StateIdent && c.state != sdhi.StateStby {
			return c.illegal()
		}
		c.state = sdhi.StateStby
		if c.faults.ZeroRCA > 0 {
			c.faults.ZeroRCA--
			c.rca = 0
		} else {
			c.rca = c.nextRCA
			c.nextRCA += 0x1111
		}
		resp[0] = sdhi.R6(c.rca, sdhi.CardStatus(c.report(received)))
		return resp, true

	case 4:
		if c.state != sdhi.StateStby || sdhi.Field(c.spec.CSD[:], 76, 76) == 0 {
			return c.illegal()
		}
		c.dsr = uint16(arg >> 16)
		return resp, true

	case 6:
		if c.spec.Kind != MMC || c.state != sdhi.StateTran {
			return c.illegal()
		}
		// WRITE_BYTE to EXT_CSD[183] BUS_WIDTH
		if arg>>24&3 == 3 && arg>>16&0xff == 183 {
			switch arg >> 8 & 0xff {
			case 0:
				c.width = 1
			case 1:
				c.width = 4
			case 2:
				c.width = 8
			}
		}
		resp[0] = c.report(received)
		return resp, true

	case 7:
		if c.addressed(arg) && c.rca != 0 {
			if c.state != sdhi.StateStby {
				return c.illegal()
			}
			c.state = sdhi.StateTran
			resp[0] = c.report(received)
			return resp, true
		}
		if c.state == sdhi.StateTran || c.state == sdhi.StatePrg {
			c.state = sdhi.StateStby
		}
		return resp, false

	case 8:
		if c.spec.Kind != SDSC2 && c.spec.Kind != SDHC || c.state != sdhi.StateIdle {
			return c.illegal()
		}
		if arg&sdhi.IfCondVoltageMask != sdhi.IfCondVoltage {
			return resp, false
		}
		c.v2 = true
		resp[0] = arg & (sdhi.IfCondVoltageMask | sdhi.IfCondPatternMask)
		if c.faults.IfCondEcho {
			resp[0] ^= 0x5a
		}
		if c.faults.IfCondVoltage {
			resp[0] = resp[0]&^sdhi.IfCondVoltageMask | 2<<8
		}
		return resp, true

	case 9, 10:
		if c.state != sdhi.StateStby || !c.addressed(arg) {
			return c.illegal()
		}
		if cmd.Index() == 9 {
			return words(c.spec.CSD[:]), true
		}
		return words(c.spec.CID[:]), true

	case 12:
		switch c.state {
		case sdhi.StateData, sdhi.StateRcv:
			c.endData()
		default:
			return c.illegal()
		}
		resp[0] = c.report(received)
		return resp, true

	case 13:
		if !c.addressed(arg) || c.state < sdhi.StateStby {
			return c.illegal()
		}
		if c.state == sdhi.StatePrg {
			if c.prg--; c.prg <= 0 {
				c.state = sdhi.StateTran
			}
		}
		resp[0] = c.report(received)
		return resp, true

	case 16:
		if c.state != sdhi.StateTran {
			return c.illegal()
		}
		if arg == 0 || arg > sdhi.SectorSize {
			c.status |= sdhi.StatusBlockLenError
		} else {
			c.blockLen = arg
		}
		resp[0] = c.report(received)
		return resp, true

	case 17, 18, 24, 25:
		if c.state != sdhi.StateTran || c.locked {
			return c.illegal()
		}
		sector, aligned := c.sector(arg)
		write := cmd.Index() >= 24
		switch {
		case !c.ccs && c.blockLen != sdhi.SectorSize:
			// standard capacity cards move blocks of the set length
			c.status |= sdhi.StatusBlockLenError
		case !aligned:
			c.status |= sdhi.StatusAddressError
		case sector >= c.sectors:
			c.status |= sdhi.StatusOutOfRange
		case write && c.writeProtected():
			c.status |= sdhi.StatusWPViolation
		case write:
			c.state = sdhi.StateRcv
			c.written = 0
			c.op = &dataOp{cmd: cmd, addr: sector}
		default:
			c.state = sdhi.StateData
			c.op = &dataOp{cmd: cmd, addr: sector}
		}
		resp[0] = c.report(received)
		return resp, true

	case 32, 33, 35, 36:
		if c.state != sdhi.StateTran || c.locked ||
			(cmd.Index() < 35) != c.spec.Kind.sd() {
			return c.illegal()
		}
		sector, aligned := c.sector(arg)
		if !aligned || sector >= c.sectors {
			c.status |= sdhi.StatusOutOfRange
		} else if cmd.Index() == 32 || cmd.Index() == 35 {
			c.eraseStart, c.eraseEnd = int64(sector), -1
		} else if c.eraseStart < 0 {
			c.status |= sdhi.StatusEraseSeqError
		} else {
			c.eraseEnd = int64(sector)
		}
		resp[0] = c.report(received)
		return resp, true

	case 38:
		if c.state != sdhi.StateTran || c.locked {
			return c.illegal()
		}
		switch {
		case c.eraseStart < 0 || c.eraseEnd < 0:
			c.status |= sdhi.StatusEraseSeqError
		case c.eraseEnd < c.eraseStart:
			c.status |= sdhi.StatusEraseParam
		case c.writeProtected():
			c.status |= sdhi.StatusWPViolation
		default:
			c.erase(c.eraseStart, c.eraseEnd)
		}
		c.eraseStart, c.eraseEnd = -1, -1
		resp[0] = c.report(received)
		return resp, true

	case 42:
		if c.state != sdhi.StateTran {
			return c.illegal()
		}
		c.state = sdhi.StateRcv
		c.op = &dataOp{cmd: cmd}
		resp[0] = c.report(received)
		return resp, true

	case 55:
		if !c.spec.Kind.sd() {
			return c.illegal()
		}
		if c.state != sdhi.StateIdle && !c.addressed(arg) {
			return c.illegal()
		}
		c.app = true
		c.status |= sdhi.StatusAppCmd
		resp[0] = c.report(received)
		return resp, true
	}
	return c.illegal()
}

func (c *Card) executeApp(cmd sdhi.Command, arg uint32, received sdhi.CardState) (resp [4]uint32, ok bool) {
	switch cmd.Index() {
	case 41:
		if c.state != sdhi.StateIdle && c.state != sdhi.StateReady {
			return c.illegal()
		}
		return c.opCond(arg, true), true

	case 6, 13, 22, 42, 51:
		if c.state != sdhi.StateTran {
			return c.illegal()
		}
	default:
		return c.illegal()
	}

	switch cmd.Index() {
	case 6:
		switch arg & 3 {
		case 0:
			c.width = 1
		case 2:
			c.width = 4
		default:
			c.status |= sdhi.StatusIllegalCommand
		}
	case 13:
		c.state = sdhi.StateData
		c.op = &dataOp{cmd: cmd, data: c.spec.SDStatus[:]}
	case 22:
		c.state = sdhi.StateData
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], c.written)
		c.op = &dataOp{cmd: cmd, data: n[:]}
	case 51:
		c.state = sdhi.StateData
		c.op = &dataOp{cmd: cmd, data: c.spec.SCR[:]}
	}
	resp[0] = c.report(received) | uint32(sdhi.StatusAppCmd)
	return resp, true
}

func (c *Card) opCond(arg uint32, sd bool) (resp [4]uint32) {
	ocr := sdhi.OCRVoltageWindow
	if arg != 0 && arg&sdhi.OCRVoltageWindow == 0 {
		// voltage mismatch, card goes inactive
		c.state = sdhi.StateDis
		resp[0] = ocr
		return
	}
	c.polls++
	// High capacity cards stay busy for hosts that skipped CMD8.
	hcStuck := sd && c.spec.Kind == SDHC && !c.v2
	if arg != 0 && c.polls > c.spec.BusyPolls && !hcStuck {
		c.ready = true
		c.state = sdhi.StateReady
		if c.spec.Kind == SDHC && arg&sdhi.OCRHCS != 0 {
			c.ccs = true
		}
	}
	if c.ready {
		ocr |= sdhi.OCRReady
		if c.ccs {
			ocr |= sdhi.OCRCCS
		}
	}
	resp[0] = ocr
	return
}

// endData leaves the data phase, as on CMD12 or after a single block.
func (c *Card) endData() {
	if c.faults.OutOfRange {
		c.faults.OutOfRange = false
		c.status |= sdhi.StatusOutOfRange
	}
	programmed := c.state == sdhi.StateRcv && c.op != nil && c.op.cmd.Index() != 42
	c.op = nil
	c.state = sdhi.StateTran
	if programmed && c.faults.ProgramPolls > 0 {
		c.state = sdhi.StatePrg
		c.prg = c.faults.ProgramPolls
	}
}

// readBlock returns the next block of the current read. It fails once the
// card has nothing left to send; reading past the last sector raises
// OUT_OF_RANGE like a real card prefetching in multiple block mode.
func (c *Card) readBlock(size int) ([]byte, bool) {
	op := c.op
	if op == nil || c.state != sdhi.StateData {
		return nil, false
	}
	if op.data != nil {
		if op.n > 0 {
			return nil, false
		}
		op.n++
		return bytes.Clone(op.data[:min(size, len(op.data))]), true
	}
	if !op.cmd.Multi() && op.n > 0 {
		return nil, false
	}
	sector := op.addr + op.n
	if sector >= c.sectors {
		c.status |= sdhi.StatusOutOfRange
		return nil, false
	}
	p := make([]byte, size)
	if _, err := c.store.ReadAt(p, int64(sector)*sdhi.SectorSize); err != nil && err != io.EOF {
		c.status |= sdhi.StatusError
	}
	op.n++
	return p, true
}

func (c *Card) writeBlock(p []byte) bool {
	op := c.op
	if op == nil || c.state != sdhi.StateRcv {
		return false
	}
	if op.cmd.Index() == 42 {
		c.lockUnlock(p)
		return true
	}
	if !op.cmd.Multi() && op.n > 0 {
		return false
	}
	sector := op.addr + op.n
	op.n++
	if sector >= c.sectors {
		c.status |= sdhi.StatusOutOfRange
		return false
	}
	if c.faults.DropWrites > 0 {
		c.faults.DropWrites--
		return true
	}
	if _, err := c.store.WriteAt(p, int64(sector)*sdhi.SectorSize); err != nil {
		c.status |= sdhi.StatusError
		return false
	}
	c.written++
	return true
}

// Discarder is implemented by stores that can drop a range cheaply.
type Discarder interface {
	Discard(off, n int64)
}

func (c *Card) erase(first, last int64) {
	if d, ok := c.store.(Discarder); ok {
		d.Discard(first*sdhi.SectorSize, (last-first+1)*sdhi.SectorSize)
		return
	}
	zero := make([]byte, sdhi.SectorSize)
	for s := first; s <= last; s++ {
		_, err := c.store.WriteAt(zero, s*sdhi.SectorSize)
		debug.AssertErrNil(err, "sim: erase store")
	}
}

// Lock card data structure flags.
const (
	lockSetPwd = 1 << 0
	lockClrPwd = 1 << 1
	lockLock   = 1 << 2
	lockErase  = 1 << 3
)

func (c *Card) lockUnlock(p []byte) {
	if int(c.blockLen) < len(p) {
		p = p[:c.blockLen]
	}
	if len(p) < 1 {
		c.status |= sdhi.StatusLockFailed
		return
	}
	flags := p[0]

	if flags&lockErase != 0 {
		if !c.locked || flags != lockErase {
			c.status |= sdhi.StatusLockFailed
			return
		}
		c.erase(0, int64(c.sectors)-1)
		c.password = nil
		c.locked = false
		return
	}

	if len(p) < 2 || int(p[1])+2 > len(p) {
		c.status |= sdhi.StatusLockFailed
		return
	}
	pwd := p[2 : 2+int(p[1])]

	switch {
	case flags&lockSetPwd != 0:
		old := c.password
		if !bytes.HasPrefix(pwd, old) || len(pwd) == len(old) {
			c.status |= sdhi.StatusLockFailed
			return
		}
		c.password = bytes.Clone(pwd[len(old):])
		if flags&lockLock != 0 {
			c.locked = true
		}
	case flags&lockClrPwd != 0:
		if !bytes.Equal(pwd, c.password) {
			c.status |= sdhi.StatusLockFailed
			return
		}
		c.password = nil
		c.locked = false
	case flags&lockLock != 0:
		if len(c.password) == 0 || !bytes.Equal(pwd, c.password) {
			c.status |= sdhi.StatusLockFailed
			return
		}
		c.locked = true
	default:
		if !bytes.Equal(pwd, c.password) {
			c.status |= sdhi.StatusLockFailed
			return
		}
		c.locked = false
	}
}

// words packs a 128 bit register as the controller presents a 136 bit
// response: the CRC byte is dropped and the remaining 120 bits are spread
// over SD_RSP10 to SD_RSP76.
func words(reg []byte) (w [4]uint32) {
	w[3] = uint32(reg[0])<<16 | uint32(reg[1])<<8 | uint32(reg[2])
	w[2] = binary.BigEndian.Uint32(reg[3:7])
	w[1] = binary.BigEndian.Uint32(reg[7:11])
	w[0] = binary.BigEndian.Uint32(reg[11:15])
	return
}
